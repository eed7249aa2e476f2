package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrNoStyle      = errors.New("no style")
	ErrNotLoaded    = errors.New("source is not loaded")
	ErrSizeExceeded = errors.New("tile size exceeded")
)

// ConfigurationError reports a style that is missing or cannot be loaded.
// It is fatal for the source.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// BoundsError reports coordinates that do not exist at the requested zoom.
type BoundsError struct {
	Z, X, Y int
	Err     error
}

func (e *BoundsError) Error() string {
	return e.Err.Error()
}

func (e *BoundsError) Unwrap() error {
	return e.Err
}

// RenderError reports an engine failure while rendering or encoding a tile.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return e.Err.Error()
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// SizeExceededError is returned together with the oversized tile.
type SizeExceededError struct {
	Size  int
	Limit int
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("tile size %d exceeds limit of %d bytes", e.Size, e.Limit)
}

func (e *SizeExceededError) Is(target error) bool {
	return target == ErrSizeExceeded
}
