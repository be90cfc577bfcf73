// Package bridge implements a single-connection MCP transport over
// stdin/stdout that forwards requests to a control plane over HTTP. It exists
// for clients that only speak the stdio transport: the bridge presents a
// local MCP server on its pipes while the real tool servers run behind the
// control plane.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : bearer token attached to every upstream request
//	Framing          : newline-delimited JSON-RPC on stdio
//	Upstream         : REST calls against the control plane
//
// Requests are forwarded concurrently; a single writer goroutine serializes
// responses onto the output stream so concurrent completions never
// interleave. Upstream transport failures are retried with exponential
// backoff, and when the retry budget is exhausted Serve fails all in-flight
// requests and returns so the process can exit non-zero.
//
// Options allow supplying alternate io.Reader / io.Writer, a custom logger,
// an http.Client, and retry tuning.
package bridge
