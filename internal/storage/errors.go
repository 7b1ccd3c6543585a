package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrImmutable is returned when a write touches fields frozen by review.
var ErrImmutable = errors.New("storage: record is reviewed and immutable")

// ErrDuplicateID is returned on a content-address collision; the caller
// re-derives the ID with a new salt.
var ErrDuplicateID = errors.New("storage: duplicate decision id")
