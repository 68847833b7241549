package storage

import "errors"

// ErrNotFound is returned by Get when no value is stored at the key.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")
