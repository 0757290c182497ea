package httpserver

import "errors"

var (
	ErrStart    = errors.New("httpserver: listen and serve")
	ErrShutdown = errors.New("httpserver: graceful shutdown")
)
