package sequence

import "errors"

var (
	// ErrStorageInit is returned when the backing store cannot be opened or created.
	ErrStorageInit = errors.New("sequence index storage init failed")
	// ErrIndexNotFound is returned when Options.MustExist is set and no index exists.
	ErrIndexNotFound = errors.New("sequence index not found")
	// ErrIndexEmpty is returned by Span when nothing has been committed.
	ErrIndexEmpty = errors.New("sequence index is empty")
	// ErrIndexFull is returned when a write would grow the store past its size limit.
	ErrIndexFull = errors.New("sequence index is full")
	// ErrKeyTooLarge is returned when an entry cannot be encoded within the key size limit.
	ErrKeyTooLarge = errors.New("sequence key too large")
	// ErrInvalidPosition is returned for positions that are not valid UTF-8.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrCorruptKey is returned when a stored key cannot be decoded.
	ErrCorruptKey = errors.New("corrupt sequence key")
	// ErrReadOnly is returned by writes on an index opened read-only.
	ErrReadOnly = errors.New("sequence index is read-only")
	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("sequence index closed")
)
