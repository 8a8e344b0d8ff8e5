package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/bridge"
	"github.com/Mindburn-Labs/helm-signer/pkg/config"
	"github.com/Mindburn-Labs/helm-signer/pkg/database"
	"github.com/Mindburn-Labs/helm-signer/pkg/handshake"
	"github.com/Mindburn-Labs/helm-signer/pkg/hardening"
	"github.com/Mindburn-Labs/helm-signer/pkg/keyprovider"
	"github.com/Mindburn-Labs/helm-signer/pkg/secretstore"
	"github.com/Mindburn-Labs/helm-signer/pkg/signer"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "created", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

func printChecks(w io.Writer, results []checkResult) {
	for _, r := range results {
		color, mark := ColorGreen, "✓"
		switch r.Status {
		case "warn":
			color, mark = ColorYellow, "!"
		case "fail":
			color, mark = ColorRed, "✗"
		}
		_, _ = fmt.Fprintf(w, "  %s%s%s %-14s %s %s\n", color, mark, ColorReset, r.Name, r.Status, r.Detail)
	}
}

// runInitCmd prepares the data dir: identity key, sealed root seed and the
// human approval key. Existing material is never replaced.
func runInitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("init", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fail(stderr, "create %s: %v", cfg.DataDir, err)
	}
	results := []checkResult{{Name: "data_dir", Status: "ok", Detail: cfg.DataDir}}
	status := func(created bool) string {
		if created {
			return "created"
		}
		return "ok"
	}

	secrets, err := secretstore.OpenLocal(cfg.SecretsDir())
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = secrets.Close() }()

	id, created, err := handshake.LoadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	results = append(results, checkResult{Name: "identity", Status: status(created), Detail: fmt.Sprintf("%x", id.Public)})
	id.Destroy()

	created, err = keyprovider.NewSealedProvider(secrets).Init(ctx)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	results = append(results, checkResult{Name: "root_seed", Status: status(created), Detail: keyprovider.RootSeedName})

	_, err = secrets.Get(ctx, signer.ApprovalKeyName)
	created = errors.Is(err, secretstore.ErrNotFound)
	if _, err := signer.LoadApprovals(ctx, secrets); err != nil {
		return fail(stderr, "%v", err)
	}
	results = append(results, checkResult{Name: "approval_key", Status: status(created), Detail: signer.ApprovalKeyName})

	if *jsonOutput {
		return printJSON(stdout, map[string]any{"data_dir": cfg.DataDir, "checks": results})
	}
	_, _ = fmt.Fprintf(stdout, "%sHELM Signer initialized%s\n", ColorBold+ColorGreen, ColorReset)
	printChecks(stdout, results)
	return 0
}

// runApprovalTokenCmd mints a human approval token for one intent. Without
// --terms the current terms hash is fetched from the running signer.
func runApprovalTokenCmd(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	cmd := flag.NewFlagSet("approval-token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		id, terms, user, socket, keyPath string
		ttl                              time.Duration
	)
	cmd.StringVar(&id, "id", "", "Intent ID (REQUIRED)")
	cmd.StringVar(&terms, "terms", "", "Terms hash to approve (default: fetched from the signer)")
	cmd.StringVar(&user, "user", defaultUser(), "Approving user")
	cmd.StringVar(&socket, "socket", cfg.SocketPath, "Signer socket path")
	cmd.StringVar(&keyPath, "key", handshake.PublicKeyPath(cfg.DataDir), "Pinned signer public key (identity.pub)")
	cmd.DurationVar(&ttl, "ttl", 5*time.Minute, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if terms == "" {
		key, err := handshake.LoadPublicKey(keyPath)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		c, err := dialSigner(ctx, bridge.ClientConfig{SocketPath: socket, SignerKey: key, Actor: "approval-token", UserID: user})
		if err != nil {
			return fail(stderr, "%v", err)
		}
		res, err := c.Status(ctx, id)
		_ = c.Close()
		if err != nil {
			return fail(stderr, "status %s: %v", id, err)
		}
		terms = res.TermsHash
	}

	secrets, err := secretstore.OpenLocal(cfg.SecretsDir())
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = secrets.Close() }()
	if _, err := secrets.Get(ctx, signer.ApprovalKeyName); err != nil {
		return fail(stderr, "approval key unavailable (run init): %v", err)
	}
	approvals, err := signer.LoadApprovals(ctx, secrets)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	token, err := approvals.Mint(user, id, terms, ttl)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-signer policy <validate|show> [file]")
		return 2
	}
	switch args[0] {
	case "validate":
		if len(args) < 2 {
			_, _ = fmt.Fprintln(stderr, "Usage: helm-signer policy validate <file>")
			return 2
		}
		snap, err := loadPolicy(args[1])
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "%s✗ invalid%s %v\n", ColorRed, ColorReset, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "%s✓ valid%s %s\n", ColorGreen, ColorReset, snap.Hash())
		return 0
	case "show":
		path := ""
		if len(args) > 1 {
			path = args[1]
		} else if cfg, err := config.Load(); err == nil {
			path = cfg.PolicyFile
		}
		snap, err := loadPolicy(path)
		if err != nil {
			return fail(stderr, "%v", err)
		}
		out, err := snap.Config().Marshal()
		if err != nil {
			return fail(stderr, "%v", err)
		}
		_, _ = fmt.Fprintf(stdout, "# policy_hash: %s\n%s", snap.Hash(), out)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy subcommand: %s\n", args[0])
		return 2
	}
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-signer audit <verify|checkpoint>")
		return 2
	}
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	if cfg.AuditSink != "sql" {
		return fail(stderr, "audit trail is not persisted (audit_sink=%s)", cfg.AuditSink)
	}
	ctx := context.Background()
	switch args[0] {
	case "verify":
		return runAuditVerify(ctx, cfg, stdout, stderr)
	case "checkpoint":
		return runAuditCheckpoint(ctx, cfg, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown audit subcommand: %s\n", args[0])
		return 2
	}
}

// runAuditVerify recomputes the stored chain and checks the latest
// checkpoint anchor against both the bundle it names and the chain itself.
func runAuditVerify(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = db.Close() }()
	sink, err := audit.NewSQLSink(ctx, db)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	events, err := sink.Load(ctx, 0)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	chain := audit.NewLog()
	if err := chain.Restore(events); err != nil {
		_, _ = fmt.Fprintf(stdout, "%s✗ chain broken%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	head, seq := chain.Head()
	results := []checkResult{{Name: "chain", Status: "ok", Detail: fmt.Sprintf("%d events, head %s", seq, head)}}

	secrets, err := secretstore.OpenLocal(cfg.SecretsDir())
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = secrets.Close() }()
	blobs, err := checkpointStore(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	cp, err := audit.NewCheckpointer(nil, blobs, secrets).Verify(ctx)
	switch {
	case err != nil:
		results = append(results, checkResult{Name: "checkpoint", Status: "fail", Detail: err.Error()})
	case cp == nil:
		results = append(results, checkResult{Name: "checkpoint", Status: "warn", Detail: "no checkpoint recorded"})
	default:
		anchored := chain.Query(audit.Filter{StartSeq: cp.Sequence, EndSeq: cp.Sequence})
		if len(anchored) != 1 || anchored[0].Hash != cp.ChainHead {
			results = append(results, checkResult{Name: "checkpoint", Status: "fail",
				Detail: fmt.Sprintf("sequence %d does not match the stored chain", cp.Sequence)})
		} else {
			results = append(results, checkResult{Name: "checkpoint", Status: "ok",
				Detail: fmt.Sprintf("sequence %d, bundle %s", cp.Sequence, cp.BundleRef)})
		}
	}
	printChecks(stdout, results)
	for _, r := range results {
		if r.Status == "fail" {
			return 1
		}
	}
	return 0
}

// runAuditCheckpoint appends to the chain, so it refuses while a daemon owns
// the socket and would be appending concurrently.
func runAuditCheckpoint(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	if conn, err := net.DialTimeout("unix", cfg.SocketPath, time.Second); err == nil {
		_ = conn.Close()
		return fail(stderr, "signer is running on %s; it checkpoints every %s", cfg.SocketPath, cfg.CheckpointInterval)
	}
	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = db.Close() }()
	emitter, err := openAudit(ctx, cfg, db)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = emitter.Close(context.Background()) }()

	secrets, err := secretstore.OpenLocal(cfg.SecretsDir())
	if err != nil {
		return fail(stderr, "%v", err)
	}
	defer func() { _ = secrets.Close() }()
	blobs, err := checkpointStore(ctx, cfg)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	cp, err := audit.NewCheckpointer(emitter, blobs, secrets).Checkpoint(ctx)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	if cp == nil {
		_, _ = fmt.Fprintln(stdout, "Nothing to checkpoint.")
		return 0
	}
	return printJSON(stdout, cp)
}

func runSelfCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("selfcheck", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	strict := cmd.Bool("strict", false, "Fail when any protection could not be applied")
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	report, err := hardening.SelfCheck(*strict)
	if *jsonOutput {
		if code := printJSON(stdout, report); code != 0 {
			return code
		}
	} else {
		results := []checkResult{
			{Name: "core_dumps", Status: okOrWarn(report.CoreDumpsDisabled)},
			{Name: "non_dumpable", Status: okOrWarn(report.NonDumpable)},
			{Name: "memory_lock", Status: okOrWarn(report.MemoryLockable)},
		}
		printChecks(stdout, results)
	}
	if err != nil {
		return fail(stderr, "%v", err)
	}
	return 0
}

func okOrWarn(ok bool) string {
	if ok {
		return "ok"
	}
	return "warn"
}
