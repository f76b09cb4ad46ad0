package prerender

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequestSplitsHashbang(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantURL  string
		wantHash string
		target   string
	}{
		{"plain", "http://site/simpleTest.html", "http://site/simpleTest.html", "", "http://site/simpleTest.html"},
		{"hashbang", "http://site/simpleTest.html#!/hashtest", "http://site/simpleTest.html", "/hashtest", "http://site/simpleTest.html#!/hashtest"},
		{"empty route", "http://site/a#!", "http://site/a", "", "http://site/a"},
		{"plain fragment dropped", "http://site/a#top", "http://site/a", "", "http://site/a"},
		{"query kept", "http://site/a?x=1#!/b?c=d", "http://site/a?x=1", "/b?c=d", "http://site/a?x=1#!/b?c=d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := NewRequest(tt.raw)
			require.Equal(t, tt.wantURL, req.URL)
			require.Equal(t, tt.wantHash, req.HashFragment)
			require.Equal(t, tt.target, req.Target())
		})
	}
}

func TestResultHeaderCanonicalizes(t *testing.T) {
	t.Parallel()

	res := Result{Headers: map[string]string{"location": "http://google.com"}}
	require.Equal(t, "http://google.com", res.Header().Get("Location"))
	require.Empty(t, Result{}.Header())
}

func TestStatusForError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err     error
		status  int
		outcome string
	}{
		{nil, http.StatusOK, "success"},
		{fmt.Errorf("wrap: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("wrap: %w", ErrTimeout), http.StatusGatewayTimeout, "timeout"},
		{ErrEngineUnavailable, http.StatusServiceUnavailable, "engine_unavailable"},
		{ErrPoolClosed, http.StatusServiceUnavailable, "pool_closed"},
		{ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
		{ErrWorkerCrashed, http.StatusBadGateway, "crashed"},
		{ErrRenderFailed, http.StatusBadGateway, "failed"},
		{errors.New("boom"), http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.status, StatusForError(tt.err), "status for %v", tt.err)
		require.Equal(t, tt.outcome, Outcome(tt.err), "outcome for %v", tt.err)
	}
}
