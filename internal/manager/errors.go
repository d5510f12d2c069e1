package manager

import "errors"

var (
	ErrUnknownApp  = errors.New("unknown app")
	ErrStopTimeout = errors.New("timed out waiting for app to stop")
	ErrNoStore     = errors.New("no store configured")
)
