package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
)

// Executor receives signed intents. It is invoked only after the
// Approved -> Signing edge, at most once per intent.
type Executor interface {
	Submit(ctx context.Context, in *intent.Intent, signature []byte) (txRef string, err error)
	Settle(ctx context.Context, in *intent.Intent, txRef string) error
}

// LocalExecutor settles immediately. It stands in for the outbound payment
// path, which lives outside this process.
type LocalExecutor struct {
	mu     sync.Mutex
	calls  map[string]int
	logger *slog.Logger
}

// NewLocalExecutor returns an executor that records every submission.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{calls: make(map[string]int), logger: slog.Default().With("component", "executor")}
}

func (e *LocalExecutor) Submit(ctx context.Context, in *intent.Intent, signature []byte) (string, error) {
	e.mu.Lock()
	e.calls[in.ID]++
	e.mu.Unlock()
	sum := sha256.Sum256(signature)
	ref := "local:" + hex.EncodeToString(sum[:8])
	e.logger.InfoContext(ctx, "intent submitted", "intent_id", in.ID, "tx_ref", ref)
	return ref, nil
}

func (e *LocalExecutor) Settle(_ context.Context, _ *intent.Intent, _ string) error { return nil }

// Calls returns how many times intentID was submitted.
func (e *LocalExecutor) Calls(intentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[intentID]
}
