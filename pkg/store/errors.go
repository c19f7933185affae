package store

import "errors"

// ErrUnavailable indicates the database config file could not be read/
// parsed, or a resolved database could not be reached after a brief retry.
// Per spec.md §7, "ConfigUnavailable — the configuration store cannot be
// reached at startup" is always exit code 2 (misconfiguration); exit code 3
// is reserved for a fatal I/O error opening the UART (spec.md §6), a
// different failure category entirely. main maps every ErrUnavailable from
// this package to exitMisconfigured accordingly.
var ErrUnavailable = errors.New("store: unavailable")
