package prerender

import (
	"net/http"
	"strings"
	"time"
)

// HashbangMarker separates a target URL from its client-side route.
const HashbangMarker = "#!"

// DefaultStatus is reported when the page declares no status of its own.
const DefaultStatus = http.StatusOK

// Request describes a single page to render. It is immutable once created.
type Request struct {
	// URL is the absolute target URL without any fragment.
	URL string
	// HashFragment is the client-side route forwarded after "#!", e.g. "/hashtest".
	HashFragment string
	// Timeout bounds how long the page may take to signal readiness.
	// Zero means the dispatcher default.
	Timeout time.Duration
}

// NewRequest splits a raw URL carrying an optional "#!" route into a Request.
// Plain "#" fragments are dropped since they never reach the page router.
func NewRequest(rawURL string) Request {
	if idx := strings.Index(rawURL, HashbangMarker); idx >= 0 {
		return Request{
			URL:          rawURL[:idx],
			HashFragment: rawURL[idx+len(HashbangMarker):],
		}
	}
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	return Request{URL: rawURL}
}

// Target returns the URL the browser navigates to.
func (r Request) Target() string {
	if r.HashFragment == "" {
		return r.URL
	}
	return r.URL + HashbangMarker + r.HashFragment
}

// Result is the outcome of a completed render.
type Result struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"-"`
}

// Header returns a copy of the page-declared headers as an http.Header.
func (r Result) Header() http.Header {
	h := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		h.Set(k, v)
	}
	return h
}
