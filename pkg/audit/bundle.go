package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-signer/pkg/canonicalize"
)

// BundleVersion is the evidence bundle format version.
const BundleVersion = "1.0.0"

// Bundle is an exportable, self-verifying slice of the chain.
type Bundle struct {
	BundleID     string    `json:"bundle_id"`
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	StartSeq     uint64    `json:"start_sequence"`
	EndSeq       uint64    `json:"end_sequence"`
	PreviousHash string    `json:"previous_hash"`
	ChainHead    string    `json:"chain_head"`
	Events       []Event   `json:"events"`
	BundleHash   string    `json:"bundle_hash"`
}

// ExportBundle exports events with sequence > afterSeq.
func (l *Log) ExportBundle(afterSeq uint64) (*Bundle, error) {
	events := l.Query(Filter{StartSeq: afterSeq + 1})
	if len(events) == 0 {
		return nil, errors.New("audit: no events to export")
	}
	b := &Bundle{
		BundleID:     uuid.NewString(),
		Version:      BundleVersion,
		CreatedAt:    l.clock().UTC(),
		StartSeq:     events[0].Sequence,
		EndSeq:       events[len(events)-1].Sequence,
		PreviousHash: events[0].PreviousHash,
		ChainHead:    events[len(events)-1].Hash,
		Events:       events,
	}
	h, err := canonicalize.CanonicalHash(b.Events)
	if err != nil {
		return nil, fmt.Errorf("audit: hash bundle: %w", err)
	}
	b.BundleHash = h
	return b, nil
}

// VerifyBundle checks the bundle hash and the chain inside it.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Events) == 0 {
		return errors.New("audit: empty bundle")
	}
	h, err := canonicalize.CanonicalHash(b.Events)
	if err != nil {
		return fmt.Errorf("audit: hash bundle: %w", err)
	}
	if h != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrChainBroken)
	}
	if err := VerifyEvents(b.PreviousHash, b.Events); err != nil {
		return err
	}
	if b.Events[len(b.Events)-1].Hash != b.ChainHead {
		return fmt.Errorf("%w: bundle chain head mismatch", ErrChainBroken)
	}
	return nil
}

// ParseBundle decodes and verifies a bundle.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("audit: parse bundle: %w", err)
	}
	if err := VerifyBundle(&b); err != nil {
		return nil, err
	}
	return &b, nil
}
