package relay

import (
	"net/http"
	"strings"
)

// Caller is the delivery-mode classification of an incoming request.
type Caller int

const (
	// CallerBrowser gets a redirect to the resolved direct URL.
	CallerBrowser Caller = iota
	// CallerProgrammatic always gets proxied bytes.
	CallerProgrammatic
)

func (c Caller) String() string {
	if c == CallerProgrammatic {
		return "programmatic"
	}
	return "browser"
}

// Classifier decides the delivery mode for a request. It is a plain function
// so tests and deployments can swap the heuristic.
type Classifier func(r *http.Request) Caller

// programmaticAgents are User-Agent substrings of known HTTP libraries and
// tools. Matching is heuristic by nature and will misclassify unknown
// clients; unknowns with a browser-looking UA fall back to browser handling.
var programmaticAgents = []string{
	"python",
	"aiohttp",
	"requests",
	"curl",
	"Postman",
	"http",
}

var browserAgents = []string{
	"Mozilla",
	"Chrome",
	"Safari",
	"Firefox",
	"Edge",
	"Opera",
}

// DefaultClassifier reproduces the stock heuristics: an explicit force-stream
// flag, a known HTTP-library UA, a non-empty UA matching no known browser, or
// an Accept header that does not want HTML all classify as programmatic.
func DefaultClassifier(r *http.Request) Caller {
	if forceStream(r) {
		return CallerProgrammatic
	}

	userAgent := r.Header.Get("User-Agent")
	for _, marker := range programmaticAgents {
		if strings.Contains(userAgent, marker) {
			return CallerProgrammatic
		}
	}
	if strings.Contains(strings.ToLower(userAgent), "bot") {
		return CallerProgrammatic
	}
	if userAgent != "" && !containsAny(userAgent, browserAgents) {
		return CallerProgrammatic
	}

	accept := r.Header.Get("Accept")
	if accept != "" && !strings.Contains(accept, "text/html") {
		return CallerProgrammatic
	}
	return CallerBrowser
}

func forceStream(r *http.Request) bool {
	v := r.URL.Query().Get("stream")
	return v == "true" || v == "1"
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
