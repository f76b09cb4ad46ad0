package prerender

import (
	"context"
	"io"
	"time"
)

// Browser is one running browser engine process with a single page.
// Implementations are not safe for concurrent renders; the pool guarantees
// a Browser is driven by one render at a time.
type Browser interface {
	// Navigate loads target in the page, replacing any previous document.
	Navigate(ctx context.Context, target string) error
	// Evaluate runs expression in the page and decodes the JSON result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	// Ping verifies the process is alive and answering.
	Ping(ctx context.Context) error
	// PID reports the operating system process id, or 0 if unknown.
	PID() int
	// Done is closed once the process has exited or its connection is lost.
	Done() <-chan struct{}
	// Kill terminates the process immediately.
	Kill() error
	// Close shuts the process down gracefully.
	Close() error
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// BlobStore writes rendered artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher sends JSON notifications to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
