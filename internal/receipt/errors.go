package receipt

import "errors"

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("receipt not found")
	ErrPersistence          = errors.New("persistence failure")
)
