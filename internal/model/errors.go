package model

import (
	"errors"
)

var (
	ErrPathNotAllowed     = errors.New("script path not allowed")
	ErrScriptNotFound     = errors.New("script not found")
	ErrProcessSpawn       = errors.New("spawning runner")
	ErrProcessExitNonZero = errors.New("runner exited with non-zero code")
	ErrPersistence        = errors.New("persisting result")
	ErrCallbackDelivery   = errors.New("delivering callback")
	ErrUploadRejected     = errors.New("upload rejected")
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
)
