package intent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// Scheme ids produced for accepted x402 challenges.
const (
	SchemeV1SolanaExact = "v1-solana-exact"
	SchemeV2SolanaExact = "v2-solana-exact"

	// UnknownAuthority is used when neither a facilitator nor a merchant
	// origin is known. It is never on a trust list.
	UnknownAuthority = "unknown_authority"
)

// v1 network names and their CAIP-2 chain ids.
var v1Networks = map[string]string{
	"solana":         "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
	"solana-devnet":  "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
	"base":           "eip155:8453",
	"base-sepolia":   "eip155:84532",
	"avalanche":      "eip155:43114",
	"avalanche-fuji": "eip155:43113",
	"polygon":        "eip155:137",
	"polygon-amoy":   "eip155:80002",
	"sei":            "eip155:1329",
	"sei-testnet":    "eip155:1328",
	"xdc":            "eip155:50",
}

// facilitator keys in "extra", in precedence order.
var authorityKeys = []string{"paymentAuthority", "payment_authority", "facilitator", "facilitatorUrl", "settlementEndpoint"}

type paymentRequired struct {
	X402Version int               `json:"x402Version"`
	Accepts     []json.RawMessage `json:"accepts"`
}

type acceptsEntry struct {
	Scheme string `json:"scheme"`
}

// requirements covers both versions: v1 quotes maxAmountRequired and a
// network name, v2 quotes amount and a CAIP-2 network.
type requirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Amount            string         `json:"amount"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int64          `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra"`
}

func x402Invalid(format string, args ...any) error {
	return reason.New(reason.DenyInvalidX402Intent, format, args...)
}

func x402Unapproved(format string, args ...any) error {
	return reason.New(reason.DenyUnapprovedScheme, format, args...)
}

func (n *Normalizer) fromPaymentRequired(in *Intent, raw json.RawMessage, now time.Time) error {
	doc, err := decodeDocument(raw)
	if err != nil {
		return x402Invalid("payment_required is not JSON")
	}
	if err := n.paymentRequired.Validate(doc); err != nil {
		return reason.Wrap(reason.DenyInvalidX402Intent, fmt.Errorf("payment_required: %w", err))
	}
	var pr paymentRequired
	if err := json.Unmarshal(raw, &pr); err != nil {
		return x402Invalid("payment_required decode failed")
	}

	var scheme string
	switch pr.X402Version {
	case 1:
		scheme = SchemeV1SolanaExact
	case 2:
		scheme = SchemeV2SolanaExact
	default:
		return x402Unapproved("x402 version %d not supported", pr.X402Version)
	}

	req, err := pickExact(pr.Accepts)
	if err != nil {
		return err
	}

	var chainID, amount string
	if pr.X402Version == 1 {
		var ok bool
		if chainID, ok = v1Networks[strings.TrimSpace(req.Network)]; !ok {
			return x402Invalid("unknown v1 network %q", req.Network)
		}
		amount = req.MaxAmountRequired
	} else {
		chainID = strings.TrimSpace(req.Network)
		if !validCAIP2(chainID) {
			return x402Invalid("malformed CAIP-2 network %q", req.Network)
		}
		amount = req.Amount
	}
	if namespace(chainID) != "solana" {
		return x402Unapproved("network %s is not Solana", chainID)
	}

	atomic, err := parseAtomic(amount)
	if err != nil {
		return reason.Wrap(reason.DenyInvalidX402Intent, err)
	}
	payee := text(req.PayTo)
	if payee == "" {
		return x402Invalid("missing payTo")
	}
	if req.MaxTimeoutSeconds <= 0 {
		return x402Invalid("maxTimeoutSeconds must be positive")
	}

	in.ActionType = ActionX402Payment
	in.SchemeID = scheme
	in.ChainID = chainID
	in.AssetID = text(req.Asset)
	in.AmountQuoted, in.AmountMax = atomic, atomic
	in.Payee = payee
	in.PaymentAuthority = extractAuthority(req.Extra, in.MerchantOrigin)
	in.ExpiresAt = now.Add(n.clampTTL(req.MaxTimeoutSeconds))
	return nil
}

// pickExact returns the first entry with scheme "exact".
func pickExact(accepts []json.RawMessage) (*requirements, error) {
	for _, raw := range accepts {
		var head acceptsEntry
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, x402Invalid("accepts entry decode failed")
		}
		if head.Scheme != "exact" {
			continue
		}
		var req requirements
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, x402Invalid("exact requirements decode failed: %v", err)
		}
		return &req, nil
	}
	return nil, x402Unapproved("no supported scheme in accepts")
}

func extractAuthority(extra map[string]any, merchantOrigin string) string {
	for _, k := range authorityKeys {
		if s, ok := extra[k].(string); ok {
			if s = text(s); s != "" {
				return s
			}
		}
	}
	if merchantOrigin != "" {
		return merchantOrigin
	}
	return UnknownAuthority
}

// validCAIP2 checks namespace:reference shape.
func validCAIP2(id string) bool {
	ns, ref, ok := strings.Cut(id, ":")
	if !ok || len(ns) < 3 || len(ns) > 8 || ref == "" || len(ref) > 32 {
		return false
	}
	for _, r := range ns {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	for _, r := range ref {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func namespace(chainID string) string {
	ns, _, _ := strings.Cut(chainID, ":")
	return ns
}
