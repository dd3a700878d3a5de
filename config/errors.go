package config

import "errors"

var (
	ErrDataDirRequired       = errors.New("data directory must be set")
	ErrInvalidChannelCapacity = errors.New("channel capacity must be >= 1")
	ErrInvalidTimeout        = errors.New("timeout must be positive")
	ErrInvalidBackoff        = errors.New("backoff parameters must be positive and consistent")
)
