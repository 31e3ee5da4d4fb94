package domain

import "errors"

// Taxonomía de errores del runtime. El dispatcher los mapea a códigos
// JSON-RPC; los servicios los envuelven con contexto vía fmt.Errorf.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrUnavailable    = errors.New("unavailable")
	ErrBackendFailure = errors.New("backend failure")
	ErrStoreFailure   = errors.New("store failure")
)
