// Package secretstore is the at-rest encrypted, versioned blob store used for
// policy configuration, wallet seeds and audit checkpoints.
//
// Consumers treat ErrIntegrity as fatal for the operation at hand: a tampered,
// rolled-back or unauthenticated record is never used.
package secretstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no live version of the secret exists.
	ErrNotFound = errors.New("secret not found")
	// ErrIntegrity means a record or the manifest failed authentication, or
	// a record's version disagrees with the manifest.
	ErrIntegrity = errors.New("secret store integrity failure")
	// ErrPlaintextFallback means a record holds unencrypted material.
	ErrPlaintextFallback = errors.New("plaintext secret material refused")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("secret store closed")
)

// Secret is one decrypted version. Callers wipe Value when done.
type Secret struct {
	Name      string
	Version   uint64
	Value     []byte
	UpdatedAt time.Time
}

// Store is the versioned secret store contract.
type Store interface {
	Get(ctx context.Context, name string) (*Secret, error)
	Set(ctx context.Context, name string, value []byte) (uint64, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}
