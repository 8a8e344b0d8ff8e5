// Package bridge exposes the signer to local callers: a closed set of
// capabilities, carried as JSON over the encrypted channel.
package bridge

import (
	"encoding/json"

	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/signer"
)

// Capability names one operation a caller may request.
type Capability string

const (
	CapSubmit  Capability = "submit"
	CapPreview Capability = "preview"
	CapApprove Capability = "approve"
	CapDeny    Capability = "deny"
	CapSign    Capability = "sign"
	CapAmend   Capability = "amend"
	CapStatus  Capability = "status"
)

var capabilities = []Capability{CapSubmit, CapPreview, CapApprove, CapDeny, CapSign, CapAmend, CapStatus}

// Capabilities returns every capability the bridge knows.
func Capabilities() []Capability { return append([]Capability(nil), capabilities...) }

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	for _, k := range capabilities {
		if c == k {
			return true
		}
	}
	return false
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is one application message from a caller.
type Request struct {
	Capability Capability      `json:"capability"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. An error response carries only Status and
// ReasonCode.
type Response struct {
	Status     string         `json:"status"`
	ReasonCode reason.Code    `json:"reason_code"`
	Result     *signer.Result `json:"result,omitempty"`
}

// IntentParams address an existing intent.
type IntentParams struct {
	IntentID string `json:"intent_id"`
}

// ApproveParams carry a human approval token.
type ApproveParams struct {
	IntentID string `json:"intent_id"`
	Token    string `json:"token"`
}

// AmendParams change an intent's terms.
type AmendParams struct {
	IntentID  string           `json:"intent_id"`
	Amendment intent.Amendment `json:"amendment"`
}

const intentIDSchema = `{"type": "string", "minLength": 1, "maxLength": 128}`

var paramSchemas = map[Capability]string{
	CapSubmit:  submissionSchema,
	CapPreview: submissionSchema,
	CapApprove: `{
		"type": "object",
		"required": ["intent_id", "token"],
		"additionalProperties": false,
		"properties": {
			"intent_id": ` + intentIDSchema + `,
			"token": {"type": "string", "minLength": 1, "maxLength": 4096}
		}
	}`,
	CapDeny:   intentOnlySchema,
	CapSign:   intentOnlySchema,
	CapStatus: intentOnlySchema,
	CapAmend: `{
		"type": "object",
		"required": ["intent_id", "amendment"],
		"additionalProperties": false,
		"properties": {
			"intent_id": ` + intentIDSchema + `,
			"amendment": {
				"type": "object",
				"minProperties": 1,
				"additionalProperties": false,
				"properties": {
					"amount_quoted": {"type": "integer", "minimum": 0},
					"amount_max": {"type": "integer", "minimum": 0},
					"payee": {"type": "string", "maxLength": 256},
					"payment_authority": {"type": "string", "maxLength": 512},
					"merchant_origin": {"type": "string", "maxLength": 512},
					"scheme_id": {"type": "string", "maxLength": 64},
					"chain_id": {"type": "string", "maxLength": 128},
					"asset_id": {"type": "string", "maxLength": 128},
					"rationale": {"type": "string", "maxLength": 1024}
				}
			}
		}
	}`,
}

const intentOnlySchema = `{
	"type": "object",
	"required": ["intent_id"],
	"additionalProperties": false,
	"properties": {"intent_id": ` + intentIDSchema + `}
}`

// Actor and user_id are accepted but replaced by the session's identity.
const submissionSchema = `{
	"type": "object",
	"required": ["request_id"],
	"additionalProperties": false,
	"properties": {
		"request_id": {"type": "string", "minLength": 1, "maxLength": 1024},
		"idempotency_key": {"type": "string", "maxLength": 1024},
		"actor": {"type": "string"},
		"user_id": {"type": "string"},
		"action_type": {"type": "string", "maxLength": 64},
		"context_requires_approval": {"type": "boolean"},
		"merchant_origin": {"type": "string", "maxLength": 1024},
		"rationale": {"type": "string", "maxLength": 1024},
		"correlation_id": {"type": "string", "maxLength": 1024},
		"transfer": {"type": "object"},
		"payment_required": {"type": "object"},
		"ttl_seconds": {"type": "integer", "minimum": 0},
		"supersedes": {"type": "string", "maxLength": 128},
		"depends_on": {"type": "array", "maxItems": 32, "items": {"type": "string", "maxLength": 128}}
	}
}`
