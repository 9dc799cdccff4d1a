package wasm

import "errors"

var (
	// ErrNotInitialized is returned when a function is called before its module instance is initialized.
	ErrNotInitialized = errors.New("module not initialized")
	// ErrAlreadyInitialized is returned when a module instance is initialized twice.
	ErrAlreadyInitialized = errors.New("module already initialized")
)
