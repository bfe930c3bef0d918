// Package backend implements the transport adapters and the uniform facade
// for talking to VPN backend servers over SSH or their HTTP panel API.
package backend

import "errors"

// Error taxonomy. Every adapter failure wraps exactly one of these so
// callers can classify with errors.Is without caring about the transport.
var (
	// ErrTransportUnavailable means the server could not be reached or
	// authenticated within its timeout. Not retried within a pass; the
	// caller may retry the server on a later pass.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrParseFailure means remote output did not match the expected shape.
	// Adapters translate this into an empty result set rather than an
	// operation failure: an ambiguous parse must never look like "these
	// credentials all disappeared, delete freely".
	ErrParseFailure = errors.New("parse failure")

	// ErrRemoteOperation means a delete/create was explicitly refused by
	// the backend or timed out.
	ErrRemoteOperation = errors.New("remote operation failed")

	// ErrLinkGeneration means a credential exists but a usable connection
	// URI could not be produced for it.
	ErrLinkGeneration = errors.New("link generation failed")
)
