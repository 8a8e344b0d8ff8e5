// Package policy is the layered decision engine: structural checks, global
// hard limits, the trust allowlist, context rules and user limits, evaluated
// against an immutable configuration snapshot.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("policy: invalid config")

// Config is the process-wide policy. It is never mutated after Compile.
type Config struct {
	Version string                `yaml:"version" json:"version"`
	Context ContextConfig         `yaml:"context" json:"context"`
	User    UserLimits            `yaml:"user" json:"user"`
	Users   map[string]UserLimits `yaml:"users,omitempty" json:"users,omitempty"`
	Global  GlobalLimits          `yaml:"global" json:"global"`
	Trust   TrustAllowlist        `yaml:"trust" json:"trust"`
}

// ContextConfig holds CEL rules over the variable "intent". A rule that
// evaluates to true demands human approval, like the caller's own flag.
type ContextConfig struct {
	Rules []ContextRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// ContextRule is one CEL expression.
type ContextRule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Expression  string `yaml:"expression" json:"expression"`
}

// UserLimits are recoverable: exceeding them asks the human.
type UserLimits struct {
	PerTxMax       uint64   `yaml:"per_tx_max" json:"per_tx_max"`
	DailyMax       uint64   `yaml:"daily_max" json:"daily_max"`
	Velocity       Velocity `yaml:"velocity,omitempty" json:"velocity,omitempty"`
	Counterparties []string `yaml:"counterparties,omitempty" json:"counterparties,omitempty"`
}

// Velocity allows Count signed intents per Window. Zero disables it.
type Velocity struct {
	Count  int      `yaml:"count,omitempty" json:"count,omitempty"`
	Window Duration `yaml:"window,omitempty" json:"window,omitempty"`
}

// Enabled reports whether a velocity limit is configured.
func (v Velocity) Enabled() bool { return v.Count > 0 && v.Window > 0 }

// GlobalLimits are hard caps that no approval can lift.
type GlobalLimits struct {
	PerTxMax uint64 `yaml:"per_tx_max" json:"per_tx_max"`
	DailyMax uint64 `yaml:"daily_max" json:"daily_max"`
}

// TrustAllowlist gates payment intents.
type TrustAllowlist struct {
	Payees             []string `yaml:"payees" json:"payees"`
	PaymentAuthorities []string `yaml:"payment_authorities" json:"payment_authorities"`
	Schemes            []string `yaml:"schemes" json:"schemes"`
	ChainNamespaces    []string `yaml:"chain_namespaces,omitempty" json:"chain_namespaces,omitempty"`
}

// Duration is a time.Duration written as "1h" in YAML and JSON.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Defaults returns the built-in policy.
func Defaults() Config {
	return Config{
		Version: "1",
		User:    UserLimits{PerTxMax: 100_000, DailyMax: 500_000},
		Global:  GlobalLimits{PerTxMax: 1_000_000, DailyMax: 5_000_000},
		Trust: TrustAllowlist{
			Payees:             []string{"merchant.local"},
			PaymentAuthorities: []string{"https://merchant.local"},
			Schemes:            []string{intent.SchemeV1SolanaExact, intent.SchemeV2SolanaExact},
			ChainNamespaces:    []string{"solana"},
		},
	}
}

// Validate checks caps and allowlists.
func (c *Config) Validate() error {
	if err := c.User.validate("user"); err != nil {
		return err
	}
	for id, u := range c.Users {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty user id in users", ErrInvalidConfig)
		}
		if err := u.validate("users." + id); err != nil {
			return err
		}
	}
	if err := checkCaps("global", c.Global.PerTxMax, c.Global.DailyMax); err != nil {
		return err
	}
	for name, list := range map[string][]string{
		"trust.payees":              c.Trust.Payees,
		"trust.payment_authorities": c.Trust.PaymentAuthorities,
		"trust.schemes":             c.Trust.Schemes,
	} {
		if len(list) == 0 {
			return fmt.Errorf("%w: %s is empty", ErrInvalidConfig, name)
		}
		if err := nonBlank(name, list); err != nil {
			return err
		}
	}
	if err := nonBlank("trust.chain_namespaces", c.Trust.ChainNamespaces); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Context.Rules))
	for i, r := range c.Context.Rules {
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("%w: context rule %d has no expression", ErrInvalidConfig, i)
		}
		if r.ID != "" && seen[r.ID] {
			return fmt.Errorf("%w: duplicate context rule id %q", ErrInvalidConfig, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

func (u UserLimits) validate(scope string) error {
	if err := checkCaps(scope, u.PerTxMax, u.DailyMax); err != nil {
		return err
	}
	if u.Velocity.Count < 0 || u.Velocity.Window < 0 {
		return fmt.Errorf("%w: %s.velocity must not be negative", ErrInvalidConfig, scope)
	}
	if (u.Velocity.Count > 0) != (u.Velocity.Window > 0) {
		return fmt.Errorf("%w: %s.velocity needs both count and window", ErrInvalidConfig, scope)
	}
	return nonBlank(scope+".counterparties", u.Counterparties)
}

func checkCaps(scope string, perTx, daily uint64) error {
	switch {
	case perTx == 0:
		return fmt.Errorf("%w: %s.per_tx_max must be > 0", ErrInvalidConfig, scope)
	case daily == 0:
		return fmt.Errorf("%w: %s.daily_max must be > 0", ErrInvalidConfig, scope)
	case perTx > daily:
		return fmt.Errorf("%w: %s.per_tx_max %d exceeds daily_max %d", ErrInvalidConfig, scope, perTx, daily)
	}
	return nil
}

func nonBlank(name string, list []string) error {
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: %s contains an empty entry", ErrInvalidConfig, name)
		}
	}
	return nil
}

// LimitsFor returns the per-user override or the default user limits.
func (c *Config) LimitsFor(userID string) UserLimits {
	if u, ok := c.Users[userID]; ok {
		return u
	}
	return c.User
}

// Parse decodes YAML or JSON (JSON is valid YAML) and validates it.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("policy: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadFile reads a .yaml, .yml or .json policy file.
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return Config{}, fmt.Errorf("policy: unsupported file type %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
