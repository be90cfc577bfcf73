package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Control-plane error codes in the implementation-defined range. These are
// part of the wire contract: bridge clients match on them to decide whether
// to retry, reauthenticate, or surface the failure to the caller.
const (
	// ErrorCodeUnauthorized indicates a missing, malformed, or unknown credential.
	ErrorCodeUnauthorized ErrorCode = -32001
	// ErrorCodeForbidden indicates policy denied the authenticated principal.
	ErrorCodeForbidden ErrorCode = -32002
	// ErrorCodeNoOwner indicates no healthy server currently owns the tool.
	ErrorCodeNoOwner ErrorCode = -32010
	// ErrorCodeServerBusy indicates the owning server's dispatch queue is
	// full. Callers may retry with backoff.
	ErrorCodeServerBusy ErrorCode = -32011
	// ErrorCodeTimeout indicates the per-call deadline elapsed before the
	// owning server responded.
	ErrorCodeTimeout ErrorCode = -32012
	// ErrorCodeServerUnavailable indicates the owning server left the ready
	// state while the call was in flight.
	ErrorCodeServerUnavailable ErrorCode = -32013
	// ErrorCodeTransportFailure indicates the bridge lost connectivity to the
	// control plane. Emitted only by the bridge, never by the control plane.
	ErrorCodeTransportFailure ErrorCode = -32014
)
