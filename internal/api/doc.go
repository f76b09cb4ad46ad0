// Package api exposes the prerender HTTP front end.
//
// Any GET outside the reserved routes is treated as a page on the configured
// target site. The client-side route is taken from the "_escaped_fragment_"
// query parameter or from a literal "#!" left in the request URI:
//
//	GET /products?_escaped_fragment_=/shoes  renders  <base>/products#!/shoes
//	GET /products#!/shoes                    renders  <base>/products#!/shoes
//
// The response carries the status and headers the page declared, and the
// serialized document with every script element removed.
package api
