package repository

import "errors"

// ErrNotFound indicates an entity was not located. Lookups never return a
// nil aggregate silently; callers treat this as "resource does not exist"
// and surface an appropriate user-facing error.
var ErrNotFound = errors.New("repository: not found")
