package objstore

import "errors"

var (
	ErrKeyNotFound            = errors.New("key not found")
	ErrConcurrentModification = errors.New("index modified during iteration")
	ErrObjectNotFound         = errors.New("object not found")
	ErrNotPersistent          = errors.New("object is not persistent")
	ErrTypeNotRegistered      = errors.New("object type not registered")
	ErrInvalidRect            = errors.New("invalid rectangle")
	ErrStorageClosed          = errors.New("storage is closed")
	ErrCorruptObject          = errors.New("corrupt object image")
	ErrChecksumMismatch       = errors.New("record checksum mismatch")
	ErrForeignObject          = errors.New("object belongs to another storage")
)
