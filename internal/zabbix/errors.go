package zabbix

import "errors"

// Error kinds surfaced by the client. Callers classify with errors.Is;
// every returned error wraps exactly one of these.
var (
	// ErrAuth indicates the monitoring server rejected the credential.
	// The client retries once with a fresh login before returning it.
	ErrAuth = errors.New("authentication rejected")

	// ErrNotFound indicates an unknown host or item id.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed caller input, rejected before
	// any network call is made.
	ErrValidation = errors.New("invalid argument")

	// ErrTransport indicates a network, timeout, or connection failure.
	ErrTransport = errors.New("transport failure")

	// ErrSchema indicates the server response did not match the
	// expected shape.
	ErrSchema = errors.New("unexpected response shape")
)
