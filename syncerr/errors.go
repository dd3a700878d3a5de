// Package syncerr is the shared error taxonomy of spec.md §7. Every
// package in the engine returns these sentinels (directly, or wrapped with
// fmt.Errorf("...: %w", ...)) so callers can branch with errors.Is instead
// of matching on strings, following the teacher's per-package errors.go
// convention (config/errors.go, engine/chain/block/errors.go).
package syncerr

import "errors"

var (
	// Identity
	ErrIdentityMissing   = errors.New("syncengine: identity not found")
	ErrIdentityMalformed = errors.New("syncengine: identity bytes malformed")

	// Crypto
	ErrCrypto            = errors.New("syncengine: cryptographic operation failed")
	ErrSignatureInvalid  = errors.New("syncengine: signature invalid")
	ErrDecryptionFailed  = errors.New("syncengine: decryption failed")
	ErrNotARecipient     = errors.New("syncengine: not a recipient of this envelope")
	ErrMalformedSealedKey = errors.New("syncengine: malformed sealed key")

	// Serialization
	ErrSerialization = errors.New("syncengine: serialization failed")

	// Storage
	ErrStorage      = errors.New("syncengine: storage operation failed")
	ErrTableMissing = errors.New("syncengine: storage table missing")
	ErrKeyNotFound  = errors.New("syncengine: key not found")

	// Gossip / network
	ErrGossip       = errors.New("syncengine: gossip/transport error")
	ErrTimeout      = errors.New("syncengine: operation timed out")
	ErrTopicClosed  = errors.New("syncengine: topic closed")

	// Domain lookups
	ErrRealmNotFound   = errors.New("syncengine: realm not found")
	ErrTaskNotFound    = errors.New("syncengine: task not found")
	ErrContactNotFound = errors.New("syncengine: contact not found")

	// Contact exchange
	ErrInvalidInvite = errors.New("syncengine: invite invalid")

	// General
	ErrInvalidOperation     = errors.New("syncengine: invalid operation")
	ErrNotReady             = errors.New("syncengine: subsystem not ready")
	ErrPrivateRealmOperation = errors.New("syncengine: operation not permitted on the Private realm")

	// Fork detection (ProfileLog / MirrorStore)
	ErrFork = errors.New("syncengine: hash-chain fork detected")
)
