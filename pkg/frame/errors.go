package frame

import "errors"

// Errors returned by Build (ErrPayloadTooLarge) and Decode (the rest). All
// are local-recovery: the caller drops the
// offending bytes and keeps going, per the "never crash the proxy because of
// a malformed frame" policy.
var (
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum length")
	ErrTruncatedFrame  = errors.New("frame: stuffed body shorter than minimum")
	ErrDanglingEscape  = errors.New("frame: trailing escape byte with nothing to escape")
	ErrCrcMismatch     = errors.New("frame: crc mismatch")
	ErrMalformedFrame  = errors.New("frame: length field inconsistent with body")
)
