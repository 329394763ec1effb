package storage

import "errors"

// ErrNotFound is returned by lookup methods when the requested row does not
// exist: unknown run, batch, product, or delta IDs, evidence aliases never
// cited, and feedback reads for runs that never received any.
var ErrNotFound = errors.New("storage: not found")
