// Package record persists the video-ID to stored-blob mapping.
package record

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/famomatic/ytrelay/internal/types"
)

const schemaVersion = 1

// SqliteStore implements the record store on SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// Open initializes the store at dbPath and applies migrations.
func Open(dbPath string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// modernc sqlite is single-writer; serializing access avoids SQLITE_BUSY
	// under concurrent deliveries.
	db.SetMaxOpenConns(1)

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("record store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS media_records (
		video_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		audio_file_id TEXT NOT NULL,
		video_file_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_media_last_accessed ON media_records(last_accessed_at);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Find returns the record for videoID, or (nil, nil) when absent.
func (s *SqliteStore) Find(ctx context.Context, videoID string) (*types.MediaRecord, error) {
	query := `SELECT video_id, title, audio_file_id, video_file_id, created_at, last_accessed_at
	FROM media_records WHERE video_id = ?`

	var rec types.MediaRecord
	var createdAt, lastAccessed string
	err := s.DB.QueryRowContext(ctx, query, videoID).Scan(
		&rec.VideoID, &rec.Title, &rec.AudioFileID, &rec.VideoFileID, &createdAt, &lastAccessed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.LastAccessedAt, _ = time.Parse(time.RFC3339, lastAccessed)
	return &rec, nil
}

// Save persists a complete record. Both file IDs must be present: a record
// only ever exists fully formed.
func (s *SqliteStore) Save(ctx context.Context, rec *types.MediaRecord) error {
	if rec.AudioFileID == "" || rec.VideoFileID == "" {
		return fmt.Errorf("record store: refusing to save partial record for video=%s", rec.VideoID)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = now
	}

	query := `
	INSERT INTO media_records (video_id, title, audio_file_id, video_file_id, created_at, last_accessed_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(video_id) DO UPDATE SET
		title = excluded.title,
		audio_file_id = excluded.audio_file_id,
		video_file_id = excluded.video_file_id,
		last_accessed_at = excluded.last_accessed_at
	`
	_, err := s.DB.ExecContext(ctx, query,
		rec.VideoID, rec.Title, rec.AudioFileID, rec.VideoFileID,
		rec.CreatedAt.Format(time.RFC3339), rec.LastAccessedAt.Format(time.RFC3339),
	)
	return err
}

// Delete removes the record for videoID. Deleting an absent record is a no-op.
func (s *SqliteStore) Delete(ctx context.Context, videoID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM media_records WHERE video_id = ?`, videoID)
	return err
}

// TouchLastAccess updates the record's last-access timestamp.
func (s *SqliteStore) TouchLastAccess(ctx context.Context, videoID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE media_records SET last_accessed_at = ? WHERE video_id = ?`,
		time.Now().UTC().Format(time.RFC3339), videoID,
	)
	return err
}

// Count returns the number of persisted records.
func (s *SqliteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_records`).Scan(&n)
	return n, err
}

// Close releases the underlying database handle.
func (s *SqliteStore) Close() error {
	return s.DB.Close()
}
