// Package origin checks that a resource exists on the target site before a
// browser is spent rendering it.
package origin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

const defaultTimeout = 5 * time.Second

// Config controls the origin checker.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Checker issues HEAD requests through a colly collector.
type Checker struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Checker.
func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Checker{cfg: cfg, base: c}
}

// Exists reports false only when the origin answers 404 or 410. Other
// statuses, including 405 from servers that refuse HEAD, count as present.
func (c *Checker) Exists(ctx context.Context, rawURL string) (bool, error) {
	status, err := c.head(ctx, rawURL)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return false, nil
	default:
		return true, nil
	}
}

func (c *Checker) head(ctx context.Context, rawURL string) (int, error) {
	collector := c.base.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}

	var (
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			status = r.StatusCode
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Head(rawURL)
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("origin check canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return 0, fmt.Errorf("origin check %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return 0, fmt.Errorf("origin check %s: %w", rawURL, fetchErr)
		}
		return status, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
