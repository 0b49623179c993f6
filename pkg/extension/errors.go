package extension

import (
	"errors"
	"fmt"
)

var (
	ErrNotRegistered = errors.New("extension not registered")
	ErrDuplicate     = errors.New("extension already loaded")
	ErrNilExtension  = errors.New("constructor returned no extension")
)

// LoadError reports an extension that could not be resolved. It never stops
// resolution of the remaining names.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load extension %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
