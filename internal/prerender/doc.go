// Package prerender defines the types shared by the render pipeline: requests,
// results, the error taxonomy, and the browser engine contract implemented by
// internal/engine backends.
package prerender
