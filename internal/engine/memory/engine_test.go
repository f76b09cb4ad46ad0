package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crudivore/internal/probe"
)

func TestBrowserServesHashRoutes(t *testing.T) {
	t.Parallel()

	site := NewSite()
	site.Handle("http://app.test/", Page{Body: "<p>home{{hash}}</p>"})
	site.Handle("http://app.test/#!/special", Page{Body: "<p>special</p>", Status: 302})

	b, err := NewLauncher(site).Launch(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Navigate(ctx, "http://app.test/#!/other"))
	html, err := probe.Content(ctx, b)
	require.NoError(t, err)
	require.Contains(t, html, "home#!/other")

	require.NoError(t, b.Navigate(ctx, "http://app.test/#!/special"))
	res, err := probe.ResultObject(ctx, b)
	require.NoError(t, err)
	require.Equal(t, 302, res.Status)
}

func TestBrowserReadiness(t *testing.T) {
	t.Parallel()

	site := NewSite()
	site.Handle("http://app.test/slow", Page{Body: "<p>x</p>", ReadyAfter: 60 * time.Millisecond})
	b, err := NewLauncher(site).Launch(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Navigate(ctx, "http://app.test/slow"))
	ready, err := probe.IsReady(ctx, b)
	require.NoError(t, err)
	require.False(t, ready)
	require.Eventually(t, func() bool {
		ready, err := probe.IsReady(ctx, b)
		return err == nil && ready
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Navigate(ctx, "http://app.test/missing"))
	ready, err = probe.IsReady(ctx, b)
	require.NoError(t, err)
	require.False(t, ready)
	found, err := site.Exists(ctx, "http://app.test/slow")
	require.NoError(t, err)
	require.True(t, found)
	found, err = site.Exists(ctx, "http://app.test/missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestBrowserKillAndHang(t *testing.T) {
	t.Parallel()

	l := NewLauncher(nil)
	raw, err := l.Launch(context.Background())
	require.NoError(t, err)
	b := raw.(*Browser)
	require.NotZero(t, b.PID())

	b.Hang()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Ping(ctx), context.DeadlineExceeded)

	require.NoError(t, b.Kill())
	require.False(t, b.Alive())
	require.ErrorIs(t, b.Ping(context.Background()), ErrProcessExited)
	<-b.Done()
	require.NoError(t, b.Close())
}

func TestLauncherFailures(t *testing.T) {
	t.Parallel()

	l := NewLauncher(nil)
	l.FailLaunches(2)
	for i := 0; i < 2; i++ {
		_, err := l.Launch(context.Background())
		require.ErrorIs(t, err, ErrLaunchFailed)
	}
	b1, err := l.Launch(context.Background())
	require.NoError(t, err)
	b2, err := l.Launch(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, b1.PID(), b2.PID())
	require.Equal(t, 4, l.Launches())
	require.Len(t, l.Browsers(), 2)
}
