// Package probe holds the in-page queries used to decide when a page has
// finished rendering and to extract its declared result and markup.
//
// Pages opt in by creating a global object and flipping a flag once their
// asynchronous content has settled:
//
//	window.crudivore = {pageReady: false}
//	// ... later
//	window.crudivore.status = 404                       // optional
//	window.crudivore.headers = {location: "http://..."} // optional
//	window.crudivore.pageReady = true
package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crudivore/internal/prerender"
)

// GlobalName is the page-scoped object the probe reads.
const GlobalName = "crudivore"

// DefaultPollInterval is used when WaitReady is given a non-positive interval.
const DefaultPollInterval = 50 * time.Millisecond

// ReadyExpression reports whether the page has declared itself ready.
const ReadyExpression = `(function () {
	var c = window.` + GlobalName + `;
	return typeof c === 'object' && c !== null && c.pageReady === true;
})()`

// ResultExpression returns a JSON-safe copy of the page-declared result, or {}.
const ResultExpression = `(function () {
	var c = window.` + GlobalName + `;
	if (typeof c !== 'object' || c === null) {
		return {};
	}
	var out = {pageReady: c.pageReady === true};
	if (c.status !== undefined && c.status !== null) {
		out.status = c.status;
	}
	if (typeof c.headers === 'object' && c.headers !== null) {
		out.headers = {};
		Object.keys(c.headers).forEach(function (k) {
			out.headers[k] = String(c.headers[k]);
		});
	}
	return out;
})()`

// ContentExpression removes every script element and serializes the document.
// The script list is copied first so removal does not skip siblings.
const ContentExpression = `(function () {
	var scripts = Array.prototype.slice.call(document.getElementsByTagName('script'));
	for (var i = 0; i < scripts.length; i++) {
		if (scripts[i].parentNode) {
			scripts[i].parentNode.removeChild(scripts[i]);
		}
	}
	return document.documentElement.outerHTML;
})()`

// PingExpression is a trivial evaluation used for health checks.
const PingExpression = `1`

// Evaluator runs JavaScript in page context and decodes the JSON result into out.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, out any) error
}

// PageResult is the decoded page-declared result object.
type PageResult struct {
	PageReady bool
	Status    int
	Headers   map[string]string
}

// StatusOr returns the declared status, or def when the page declared none.
func (r PageResult) StatusOr(def int) int {
	if r.Status <= 0 {
		return def
	}
	return r.Status
}

// IsReady evaluates the readiness flag once.
func IsReady(ctx context.Context, ev Evaluator) (bool, error) {
	var ready bool
	if err := ev.Evaluate(ctx, ReadyExpression, &ready); err != nil {
		return false, fmt.Errorf("evaluate ready flag: %w", err)
	}
	return ready, nil
}

// WaitReady polls IsReady every interval until the page is ready or ctx ends.
// A deadline yields prerender.ErrTimeout; evaluation errors are returned as-is.
func WaitReady(ctx context.Context, ev Evaluator, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ready, err := IsReady(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return waitErr(ctx)
			}
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return waitErr(ctx)
		case <-ticker.C:
		}
	}
}

func waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", prerender.ErrTimeout, ctx.Err())
	}
	return fmt.Errorf("wait page ready: %w", ctx.Err())
}

// ResultObject reads the page-declared result once.
func ResultObject(ctx context.Context, ev Evaluator) (PageResult, error) {
	var raw map[string]any
	if err := ev.Evaluate(ctx, ResultExpression, &raw); err != nil {
		return PageResult{}, fmt.Errorf("evaluate result object: %w", err)
	}
	return decodeResult(raw), nil
}

func decodeResult(raw map[string]any) PageResult {
	res := PageResult{Headers: map[string]string{}}
	if raw == nil {
		return res
	}
	if ready, ok := raw["pageReady"].(bool); ok {
		res.PageReady = ready
	}
	res.Status = decodeStatus(raw["status"])
	if headers, ok := raw["headers"].(map[string]any); ok {
		for k, v := range headers {
			if k == "" || v == nil {
				continue
			}
			if s, isString := v.(string); isString {
				res.Headers[k] = s
				continue
			}
			res.Headers[k] = fmt.Sprint(v)
		}
	}
	return res
}

func decodeStatus(v any) int {
	switch s := v.(type) {
	case float64:
		if s >= 100 && s <= 999 && s == math.Trunc(s) {
			return int(s)
		}
	case int:
		if s >= 100 && s <= 999 {
			return s
		}
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err == nil && n >= 100 && n <= 999 {
			return n
		}
	}
	return 0
}

// Content strips scripts in the page, serializes it, and sanitizes the markup.
func Content(ctx context.Context, ev Evaluator) (string, error) {
	var html string
	if err := ev.Evaluate(ctx, ContentExpression, &html); err != nil {
		return "", fmt.Errorf("evaluate content: %w", err)
	}
	return Sanitize(html)
}

// Sanitize removes every script element from serialized markup. Inline event
// handlers and other executable attributes are left untouched.
func Sanitize(html string) (string, error) {
	if !strings.Contains(strings.ToLower(html), "<script") {
		return html, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse content: %w", err)
	}
	doc.Find("script").Remove()
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize content: %w", err)
	}
	return out, nil
}
