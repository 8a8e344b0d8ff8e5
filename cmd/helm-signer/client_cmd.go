package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/bridge"
	"github.com/Mindburn-Labs/helm-signer/pkg/handshake"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/signer"
)

// stdin is read by commands taking --file -.
var stdin io.Reader = os.Stdin

// dialSigner is a variable to allow mocking in tests
var dialSigner = func(ctx context.Context, cfg bridge.ClientConfig) (signerClient, error) {
	c, err := bridge.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// signerClient is the part of *bridge.Client the CLI uses.
type signerClient interface {
	Submit(ctx context.Context, sub intent.Submission) (signer.Result, error)
	Preview(ctx context.Context, sub intent.Submission) (signer.Result, error)
	Approve(ctx context.Context, intentID, token string) (signer.Result, error)
	Deny(ctx context.Context, intentID string) (signer.Result, error)
	Sign(ctx context.Context, intentID string) (signer.Result, error)
	Amend(ctx context.Context, intentID string, a intent.Amendment) (signer.Result, error)
	Status(ctx context.Context, intentID string) (signer.Result, error)
	Close() error
}

type clientFlags struct {
	socket  string
	keyPath string
	actor   string
	user    string
	id      string
	token   string
	file    string
	timeout time.Duration
}

func runClientCmd(name string, args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}

	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var f clientFlags
	cmd.StringVar(&f.socket, "socket", cfg.SocketPath, "Signer socket path")
	cmd.StringVar(&f.keyPath, "key", handshake.PublicKeyPath(cfg.DataDir), "Pinned signer public key (identity.pub)")
	cmd.StringVar(&f.actor, "actor", "cli", "Actor name presented in the handshake")
	cmd.StringVar(&f.user, "user", defaultUser(), "User the intent belongs to")
	cmd.DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
	switch name {
	case "submit", "preview":
		cmd.StringVar(&f.file, "file", "-", "Submission JSON (- for stdin)")
	case "amend":
		cmd.StringVar(&f.id, "id", "", "Intent ID (REQUIRED)")
		cmd.StringVar(&f.file, "file", "-", "Amendment JSON (- for stdin)")
	case "approve":
		cmd.StringVar(&f.id, "id", "", "Intent ID (REQUIRED)")
		cmd.StringVar(&f.token, "token", "", "Approval token from approval-token (REQUIRED)")
	default:
		cmd.StringVar(&f.id, "id", "", "Intent ID (REQUIRED)")
	}
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if name != "submit" && name != "preview" && f.id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}
	if name == "approve" && f.token == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --token is required")
		return 2
	}

	call, err := clientCall(name, f)
	if err != nil {
		return fail(stderr, "%v", err)
	}

	key, err := handshake.LoadPublicKey(f.keyPath)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	c, err := dialSigner(ctx, bridge.ClientConfig{
		SocketPath: f.socket,
		SignerKey:  key,
		Actor:      f.actor,
		UserID:     f.user,
		Timeout:    f.timeout,
	})
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = c.Close() }()

	res, err := call(ctx, c)
	if code := printJSON(stdout, res); code != 0 {
		return code
	}
	if err != nil {
		var re *reason.Error
		if !errors.As(err, &re) {
			return fail(stderr, "%v", err)
		}
		return 1
	}
	return 0
}

// clientCall decodes any input up front so a bad file never opens a session.
func clientCall(name string, f clientFlags) (func(context.Context, signerClient) (signer.Result, error), error) {
	switch name {
	case "submit", "preview":
		var sub intent.Submission
		if err := readJSON(f.file, &sub); err != nil {
			return nil, err
		}
		if name == "preview" {
			return func(ctx context.Context, c signerClient) (signer.Result, error) { return c.Preview(ctx, sub) }, nil
		}
		return func(ctx context.Context, c signerClient) (signer.Result, error) { return c.Submit(ctx, sub) }, nil
	case "amend":
		var a intent.Amendment
		if err := readJSON(f.file, &a); err != nil {
			return nil, err
		}
		return func(ctx context.Context, c signerClient) (signer.Result, error) { return c.Amend(ctx, f.id, a) }, nil
	case "approve":
		return func(ctx context.Context, c signerClient) (signer.Result, error) { return c.Approve(ctx, f.id, f.token) }, nil
	case "deny":
		return func(ctx context.Context, c signerClient) (signer.Result, error) { return c.Deny(ctx, f.id) }, nil
	case "sign":
		return func(ctx context.Context, c signerClient) (signer.Result, error) { return c.Sign(ctx, f.id) }, nil
	case "status":
		return func(ctx context.Context, c signerClient) (signer.Result, error) { return c.Status(ctx, f.id) }, nil
	}
	return nil, fmt.Errorf("unknown command %q", name)
}

func readJSON(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
