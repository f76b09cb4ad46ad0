// Package main hosts the crudivore prerender service entrypoint.
//
// Architecture overview:
//   - HTTP front end: internal/api.Server maps every GET path onto the configured target site, forwarding
//     "#!" routes sent literally or through the _escaped_fragment_ query parameter. Health, readiness, metrics,
//     and worker diagnostics live beside the catch-all render route.
//   - Dispatcher & pool: internal/dispatcher queues each render on internal/pool, which owns a fixed number of
//     headless browser workers and hands them out in FIFO order. A render whose worker crashes is retried once
//     on a freshly spawned worker ahead of the queue.
//   - Rendering: each worker drives one Chrome process through chromedp, waits for the page to set
//     window.crudivore.pageReady, strips every script element, and returns the page-declared status and headers.
//   - Admission & archiving: an optional colly HEAD check answers 404 for missing resources without spending a
//     browser, an optional per-client token bucket answers 429, and successful renders may be archived to
//     memory, local disk, or GCS.
//
// Quick checklist:
//   - Configure env vars: CRUDIVORE_TARGET_BASE_URL (required), CRUDIVORE_POOL_SIZE, CRUDIVORE_RENDER_TIMEOUT_MS,
//     CRUDIVORE_ENGINE_EXEC_PATH, CRUDIVORE_ENGINE_NO_SANDBOX when running as root in a container.
//   - Run locally without Chrome: CRUDIVORE_ENGINE_BACKEND=memory go run ./cmd/crudivore.
//   - Run against a real site: go run ./cmd/crudivore -config config.yaml.
package main
