package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famomatic/ytrelay/internal/metrics"
	"github.com/famomatic/ytrelay/internal/types"
)

type memRecords struct {
	mu      sync.Mutex
	recs    map[string]*types.MediaRecord
	touches int
	deletes int
}

func newMemRecords(seed ...*types.MediaRecord) *memRecords {
	m := &memRecords{recs: make(map[string]*types.MediaRecord)}
	for _, rec := range seed {
		m.recs[rec.VideoID] = rec
	}
	return m
}

func (m *memRecords) Find(_ context.Context, videoID string) (*types.MediaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[videoID], nil
}

func (m *memRecords) Delete(_ context.Context, videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, videoID)
	m.deletes++
	return nil
}

func (m *memRecords) TouchLastAccess(_ context.Context, videoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	return nil
}

func (m *memRecords) touchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touches
}

func (m *memRecords) deleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

type fakeAcquirer struct {
	mu    sync.Mutex
	calls int
	rec   *types.MediaRecord
	err   error
}

func (f *fakeAcquirer) Acquire(_ context.Context, videoID string) (*types.MediaRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func (f *fakeAcquirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedResolver replays one queued outcome per Resolve call and keeps
// returning the final one once the script is exhausted.
type scriptedResolver struct {
	mu      sync.Mutex
	calls   int
	outcome []resolveOutcome
}

type resolveOutcome struct {
	url string
	err error
}

func (s *scriptedResolver) Resolve(_ context.Context, fileID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.outcome) {
		i = len(s.outcome) - 1
	}
	s.calls++
	out := s.outcome[i]
	return out.url, out.err
}

func testRecord(videoID string) *types.MediaRecord {
	now := time.Now().UTC()
	return &types.MediaRecord{
		VideoID:        videoID,
		Title:          "Test Title",
		AudioFileID:    "audio-" + videoID,
		VideoFileID:    "video-" + videoID,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

func newTestRelay(records RecordStore, acquirer Acquirer, resolver Resolver) *Relay {
	return New(records, acquirer, resolver, nil, nil, Config{}, zerolog.Nop())
}

func TestDeliver_ColdProgrammaticStreams(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		fmt.Fprint(w, "audio payload")
	}))
	defer upstream.Close()

	records := newMemRecords()
	acquirer := &fakeAcquirer{rec: testRecord("dQw4w9WgXcQ")}
	resolver := &scriptedResolver{outcome: []resolveOutcome{{url: upstream.URL}}}
	rl := newTestRelay(records, acquirer, resolver)

	req := httptest.NewRequest(http.MethodGet, "/audio/dQw4w9WgXcQ", nil)
	req.Header.Set("User-Agent", "curl/8.4.0")
	rr := httptest.NewRecorder()

	rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindAudio)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "audio payload", rr.Body.String())
	assert.Equal(t, "audio/mp4", rr.Header().Get("Content-Type"))
	assert.Equal(t, "inline", rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "bytes", rr.Header().Get("Accept-Ranges"))
	assert.Equal(t, "public, max-age=86400", rr.Header().Get("Cache-Control"))
	assert.Equal(t, 1, acquirer.callCount())
	assert.Equal(t, 1, records.touchCount())
}

func TestDeliver_ExistingBrowserRedirects(t *testing.T) {
	records := newMemRecords(testRecord("dQw4w9WgXcQ"))
	acquirer := &fakeAcquirer{}
	resolver := &scriptedResolver{outcome: []resolveOutcome{{url: "https://blob.example/file/abc.mp4"}}}
	rl := newTestRelay(records, acquirer, resolver)

	req := httptest.NewRequest(http.MethodGet, "/video/dQw4w9WgXcQ", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rr := httptest.NewRecorder()

	rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindVideo)

	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://blob.example/file/abc.mp4", rr.Header().Get("Location"))
	assert.Equal(t, 0, acquirer.callCount())
	assert.Equal(t, 1, records.touchCount())
}

func TestDeliver_ExpiredOnRedirectRetriesOnce(t *testing.T) {
	records := newMemRecords(testRecord("dQw4w9WgXcQ"))
	acquirer := &fakeAcquirer{rec: testRecord("dQw4w9WgXcQ")}
	resolver := &scriptedResolver{outcome: []resolveOutcome{
		{err: fmt.Errorf("%w: wrong file_id", types.ErrHandleExpired)},
		{url: "https://blob.example/file/fresh.mp4"},
	}}
	rl := newTestRelay(records, acquirer, resolver)

	req := httptest.NewRequest(http.MethodGet, "/video/dQw4w9WgXcQ", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 Chrome/120.0")
	req.Header.Set("Accept", "text/html")
	rr := httptest.NewRecorder()

	rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindVideo)

	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://blob.example/file/fresh.mp4", rr.Header().Get("Location"))
	assert.Equal(t, 1, records.deleteCount())
	assert.Equal(t, 1, acquirer.callCount())
}

func TestDeliver_SecondExpiryIsTerminal(t *testing.T) {
	records := newMemRecords(testRecord("dQw4w9WgXcQ"))
	acquirer := &fakeAcquirer{rec: testRecord("dQw4w9WgXcQ")}
	resolver := &scriptedResolver{outcome: []resolveOutcome{
		{err: fmt.Errorf("%w: wrong file_id", types.ErrHandleExpired)},
	}}
	rl := newTestRelay(records, acquirer, resolver)

	req := httptest.NewRequest(http.MethodGet, "/audio/dQw4w9WgXcQ", nil)
	req.Header.Set("User-Agent", "python-requests/2.31")
	rr := httptest.NewRecorder()

	rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindAudio)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 1, records.deleteCount())
	assert.Equal(t, 1, acquirer.callCount())
	assert.Equal(t, 0, records.touchCount())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "dQw4w9WgXcQ", body["videoId"])
}

func TestDeliver_RedirectFallsBackToStreamOnResolveError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		fmt.Fprint(w, "video payload")
	}))
	defer upstream.Close()

	records := newMemRecords(testRecord("dQw4w9WgXcQ"))
	acquirer := &fakeAcquirer{}
	resolver := &scriptedResolver{outcome: []resolveOutcome{
		{err: errors.New("telegram api unreachable")},
		{url: upstream.URL},
	}}
	rl := newTestRelay(records, acquirer, resolver)

	req := httptest.NewRequest(http.MethodGet, "/video/dQw4w9WgXcQ", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 Chrome/120.0")
	req.Header.Set("Accept", "text/html")
	rr := httptest.NewRecorder()

	rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindVideo)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "video payload", rr.Body.String())
	assert.Equal(t, 0, records.deleteCount())
	assert.Equal(t, 1, records.touchCount())
}

func TestDeliver_AcquireFailureReportsJSON(t *testing.T) {
	records := newMemRecords()
	acquirer := &fakeAcquirer{err: types.ErrNoUsableSource}
	resolver := &scriptedResolver{outcome: []resolveOutcome{{url: "unused"}}}
	rl := newTestRelay(records, acquirer, resolver)

	req := httptest.NewRequest(http.MethodGet, "/audio/dQw4w9WgXcQ", nil)
	req.Header.Set("User-Agent", "curl/8.4.0")
	rr := httptest.NewRecorder()

	rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindAudio)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "failed to acquire this video", body["error"])
	assert.Equal(t, "dQw4w9WgXcQ", body["videoId"])
}

func TestDeliver_ClientDisconnectAbortsUpstream(t *testing.T) {
	firstByte := make(chan struct{})
	upstreamGone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		fmt.Fprint(w, "part")
		w.(http.Flusher).Flush()
		close(firstByte)
		select {
		case <-r.Context().Done():
			close(upstreamGone)
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	records := newMemRecords(testRecord("dQw4w9WgXcQ"))
	resolver := &scriptedResolver{outcome: []resolveOutcome{{url: upstream.URL}}}
	rl := newTestRelay(records, &fakeAcquirer{}, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/audio/dQw4w9WgXcQ", nil).WithContext(ctx)
	req.Header.Set("User-Agent", "curl/8.4.0")
	rr := httptest.NewRecorder()

	panicVal := make(chan any, 1)
	go func() {
		defer func() { panicVal <- recover() }()
		rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindAudio)
	}()

	select {
	case <-firstByte:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never served the first bytes")
	}
	cancel()

	// The upstream fetch runs on the request context, so hanging up must
	// cancel it rather than leave a background transfer running.
	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("client disconnect did not abort the upstream fetch")
	}

	select {
	case v := <-panicVal:
		require.Equal(t, http.ErrAbortHandler, v)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish after disconnect")
	}
	assert.Equal(t, "part", rr.Body.String())
}

func TestDeliver_MidStreamFailureTerminatesWithoutJSON(t *testing.T) {
	// Promise more bytes than get sent; the client side sees the body die
	// mid-transfer.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		w.Header().Set("Content-Length", "64")
		fmt.Fprint(w, "partial payload")
	}))
	defer upstream.Close()

	records := newMemRecords(testRecord("dQw4w9WgXcQ"))
	resolver := &scriptedResolver{outcome: []resolveOutcome{{url: upstream.URL}}}
	rl := newTestRelay(records, &fakeAcquirer{}, resolver)

	req := httptest.NewRequest(http.MethodGet, "/audio/dQw4w9WgXcQ", nil)
	req.Header.Set("User-Agent", "curl/8.4.0")
	rr := httptest.NewRecorder()

	panicVal := func() (v any) {
		defer func() { v = recover() }()
		rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindAudio)
		return nil
	}()

	require.Equal(t, http.ErrAbortHandler, panicVal)
	assert.Equal(t, "partial payload", rr.Body.String())
	assert.NotContains(t, rr.Body.String(), `"error"`)
	assert.Equal(t, 1, records.touchCount())
}

func TestDeliver_RetryFailureAfterReacquireIsNotLabeledExpired(t *testing.T) {
	records := newMemRecords(testRecord("dQw4w9WgXcQ"))
	acquirer := &fakeAcquirer{rec: testRecord("dQw4w9WgXcQ")}
	resolver := &scriptedResolver{outcome: []resolveOutcome{
		{err: fmt.Errorf("%w: wrong file_id", types.ErrHandleExpired)},
		{err: errors.New("telegram api unreachable")},
	}}
	rl := newTestRelay(records, acquirer, resolver)

	retryBefore := testutil.ToFloat64(metrics.Deliveries.WithLabelValues("audio", "programmatic", "retry_error"))
	expiredBefore := testutil.ToFloat64(metrics.Deliveries.WithLabelValues("audio", "programmatic", "expired_twice"))

	req := httptest.NewRequest(http.MethodGet, "/audio/dQw4w9WgXcQ", nil)
	req.Header.Set("User-Agent", "curl/8.4.0")
	rr := httptest.NewRecorder()

	rl.Deliver(rr, req, "dQw4w9WgXcQ", types.KindAudio)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 1, records.deleteCount())
	assert.Equal(t, 1, acquirer.callCount())
	assert.Equal(t, retryBefore+1, testutil.ToFloat64(metrics.Deliveries.WithLabelValues("audio", "programmatic", "retry_error")))
	assert.Equal(t, expiredBefore, testutil.ToFloat64(metrics.Deliveries.WithLabelValues("audio", "programmatic", "expired_twice")))
}

func TestRecordInfo(t *testing.T) {
	records := newMemRecords(testRecord("dQw4w9WgXcQ"))
	rl := newTestRelay(records, &fakeAcquirer{}, &scriptedResolver{outcome: []resolveOutcome{{}}})

	rec, err := rl.RecordInfo(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "Test Title", rec.Title)

	_, err = rl.RecordInfo(context.Background(), "AAAAAAAAAAA")
	assert.ErrorIs(t, err, types.ErrRecordNotFound)
}
