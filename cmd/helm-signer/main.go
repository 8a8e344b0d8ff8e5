package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/helm-signer/pkg/config"
	"github.com/Mindburn-Labs/helm-signer/pkg/handshake"
)

const version = "0.1.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "init":
		return runInitCmd(args[2:], stdout, stderr)
	case "submit", "preview", "approve", "deny", "sign", "amend", "status":
		return runClientCmd(args[1], args[2:], stdout, stderr)
	case "approval-token":
		return runApprovalTokenCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "selfcheck":
		return runSelfCheckCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "helm-signer %s (protocol %s)\n", version, handshake.ProtocolVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1] != "" && args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sHELM Signer %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sAgents propose payments. The signer decides.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  helm-signer <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "DAEMON")
	printCommand(w, "serve", "Run the signer daemon (default)")
	printCommand(w, "init", "Create the data dir, identity key and root seed")
	printCommand(w, "selfcheck", "Report process hardening (--strict, --json)")

	printSection(w, "INTENTS")
	printCommand(w, "submit", "Submit an intent (--file, or stdin)")
	printCommand(w, "preview", "Evaluate an intent without storing it")
	printCommand(w, "approve", "Approve a parked intent (--id, --token)")
	printCommand(w, "deny", "Deny an intent (--id)")
	printCommand(w, "sign", "Sign an approved intent (--id)")
	printCommand(w, "amend", "Amend an approved intent (--id, --file)")
	printCommand(w, "status", "Show an intent's state (--id)")

	printSection(w, "HUMAN APPROVAL")
	printCommand(w, "approval-token", "Mint an approval token (--id)")

	printSection(w, "POLICY & AUDIT")
	printCommand(w, "policy", "Validate or show a policy (validate|show)")
	printCommand(w, "audit", "Verify the audit chain or checkpoint it (verify|checkpoint)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-15s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// setupLogging installs the default slog handler from cfg.
func setupLogging(cfg *config.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func loadConfig(stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		return nil, false
	}
	setupLogging(cfg, stderr)
	return cfg, true
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}

func fail(w io.Writer, format string, args ...any) int {
	_, _ = fmt.Fprintf(w, "%sError:%s %s\n", ColorRed, ColorReset, fmt.Sprintf(format, args...))
	return 1
}
