package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/helm-signer/pkg/blobstore"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/secretstore"
)

// CheckpointSecret is the secret store name of the latest checkpoint record.
const CheckpointSecret = "audit/checkpoint"

// Checkpoint anchors an exported bundle in the secret store.
type Checkpoint struct {
	Sequence   uint64 `json:"sequence"`
	ChainHead  string `json:"chain_head"`
	BundleRef  string `json:"bundle_ref"`
	BundleHash string `json:"bundle_hash"`
}

// Checkpointer exports bundles since the previous checkpoint to a blob store
// and records the new anchor. A tampered anchor fails closed.
type Checkpointer struct {
	emitter *Emitter
	blobs   blobstore.Store
	secrets secretstore.Store
	logger  *slog.Logger
}

// NewCheckpointer wires the emitter's log to blob and secret storage.
func NewCheckpointer(emitter *Emitter, blobs blobstore.Store, secrets secretstore.Store) *Checkpointer {
	return &Checkpointer{
		emitter: emitter,
		blobs:   blobs,
		secrets: secrets,
		logger:  slog.Default().With("component", "audit.checkpoint"),
	}
}

// Last returns the stored checkpoint, or nil if none exists.
func (c *Checkpointer) Last(ctx context.Context) (*Checkpoint, error) {
	sec, err := c.secrets.Get(ctx, CheckpointSecret)
	if errors.Is(err, secretstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(sec.Value, &cp); err != nil {
		return nil, fmt.Errorf("audit: decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Checkpoint exports new events and records the anchor. It returns nil when
// nothing was appended since the last checkpoint.
func (c *Checkpointer) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	last, err := c.Last(ctx)
	if err != nil {
		return nil, err
	}
	var after uint64
	if last != nil {
		after = last.Sequence
	}
	_, seq := c.emitter.Log().Head()
	if seq <= after {
		return nil, nil
	}

	bundle, err := c.emitter.Log().ExportBundle(after)
	if err != nil {
		return nil, err
	}
	if last != nil && bundle.PreviousHash != last.ChainHead {
		return nil, fmt.Errorf("%w: bundle does not continue checkpoint at %d", ErrChainBroken, last.Sequence)
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("audit: encode bundle: %w", err)
	}
	ref, err := c.blobs.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("audit: store bundle: %w", err)
	}

	cp := &Checkpoint{Sequence: bundle.EndSeq, ChainHead: bundle.ChainHead, BundleRef: ref, BundleHash: bundle.BundleHash}
	raw, _ := json.Marshal(cp)
	if _, err := c.secrets.Set(ctx, CheckpointSecret, raw); err != nil {
		return nil, fmt.Errorf("audit: record checkpoint: %w", err)
	}
	_, _ = c.emitter.Record(ctx, Event{
		Kind:   KindCheckpoint,
		Reason: reason.AuditCheckpointRecorded,
		Detail: map[string]string{
			"sequence":    fmt.Sprint(cp.Sequence),
			"chain_head":  cp.ChainHead,
			"bundle_ref":  ref,
			"bundle_hash": cp.BundleHash,
		},
	})
	c.logger.InfoContext(ctx, "audit checkpoint written", "sequence", cp.Sequence, "bundle_ref", ref)
	return cp, nil
}

// Verify fetches the checkpointed bundle and checks it against the anchor.
func (c *Checkpointer) Verify(ctx context.Context) (*Checkpoint, error) {
	cp, err := c.Last(ctx)
	if err != nil || cp == nil {
		return cp, err
	}
	data, err := c.blobs.Get(ctx, cp.BundleRef)
	if err != nil {
		return nil, fmt.Errorf("audit: fetch bundle: %w", err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		return nil, err
	}
	if b.ChainHead != cp.ChainHead || b.EndSeq != cp.Sequence || b.BundleHash != cp.BundleHash {
		return nil, fmt.Errorf("%w: bundle does not match checkpoint", ErrChainBroken)
	}
	return cp, nil
}
