// Package log centralizes the logger construction used across the engine.
// Every subsystem logs through github.com/luxfi/log rather than the
// bare standard library logger, so field-structured, leveled logging is
// available everywhere without each package reaching for its own logger.
package log

import (
	"github.com/luxfi/log"
	"go.uber.org/zap"
)

// Logger is the shared logging interface; every component type-embeds or
// stores one of these rather than taking a *zap.Logger directly.
type Logger = log.Logger

// NewNoOp returns a logger that discards everything. Used as the default
// in tests and wherever a caller hasn't wired real logging.
func NewNoOp() Logger {
	return log.NewNoOpLogger()
}

// Named returns a child logger scoped to a component, e.g. Named(parent,
// "replicator", Realm(realmID)).
func Named(parent Logger, name string, fields ...zap.Field) Logger {
	if parent == nil {
		parent = NewNoOp()
	}
	return parent.WithFields(append([]zap.Field{zap.String("component", name)}, fields...)...)
}

// Did builds a structured field for a DID string, used uniformly so log
// lines are greppable across identity, profile, and contact packages.
func Did(key, did string) zap.Field {
	return zap.String(key, did)
}

// Realm builds a structured field for a realm ID (hex-encoded).
func Realm(hexID string) zap.Field {
	return zap.String("realm", hexID)
}

// Seq builds a structured field for a packet log sequence number.
func Seq(seq uint64) zap.Field {
	return zap.Uint64("sequence", seq)
}

// Err builds a structured field for an error, consistent with zap.Error.
func Err(err error) zap.Field {
	return zap.Error(err)
}
