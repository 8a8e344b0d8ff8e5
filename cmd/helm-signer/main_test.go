package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-signer/pkg/audit"
	"github.com/Mindburn-Labs/helm-signer/pkg/bridge"
	"github.com/Mindburn-Labs/helm-signer/pkg/config"
	"github.com/Mindburn-Labs/helm-signer/pkg/intent"
	"github.com/Mindburn-Labs/helm-signer/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm-signer/pkg/policy"
	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
	"github.com/Mindburn-Labs/helm-signer/pkg/signer"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"helm-signer"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// dataDir points the config at a fresh data dir.
func dataDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "signer")
	t.Setenv("SIGNER_CONFIG", "")
	t.Setenv("SIGNER_DATA_DIR", dir)
	t.Setenv("SIGNER_SOCKET", filepath.Join(dir, "run", "signer.sock"))
	t.Setenv("SIGNER_LOG_LEVEL", "ERROR")
	return dir
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "USAGE")
	assert.Contains(t, out, "approval-token")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_DefaultStartsServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()
	calls := 0
	startServer = func(io.Writer, io.Writer) int {
		calls++
		return 0
	}

	code, _, _ := run(t)
	assert.Equal(t, 0, code)
	code, _, _ = run(t, "serve")
	assert.Equal(t, 0, code)
	code, _, _ = run(t, "--verbose")
	assert.Equal(t, 0, code)
	assert.Equal(t, 3, calls)
}

func TestRun_Version(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)
}

func TestInitIsIdempotent(t *testing.T) {
	dir := dataDir(t)

	type initOutput struct {
		DataDir string        `json:"data_dir"`
		Checks  []checkResult `json:"checks"`
	}
	statuses := func(out string) map[string]string {
		var res initOutput
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, dir, res.DataDir)
		m := map[string]string{}
		for _, c := range res.Checks {
			m[c.Name] = c.Status
		}
		return m
	}

	code, out, errOut := run(t, "init", "--json")
	require.Equal(t, 0, code, errOut)
	first := statuses(out)
	assert.Equal(t, "created", first["identity"])
	assert.Equal(t, "created", first["root_seed"])
	assert.Equal(t, "created", first["approval_key"])
	assert.FileExists(t, filepath.Join(dir, "identity.pub"))

	code, out, errOut = run(t, "init", "--json")
	require.Equal(t, 0, code, errOut)
	second := statuses(out)
	assert.Equal(t, "ok", second["identity"])
	assert.Equal(t, "ok", second["root_seed"])
	assert.Equal(t, "ok", second["approval_key"])
}

func TestPolicyValidateAndShow(t *testing.T) {
	dataDir(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "policy.yaml")
	raw, err := policy.Defaults().Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(good, raw, 0600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"1\"\nuser:\n  per_tx_max: 0\n"), 0600))

	code, out, _ := run(t, "policy", "validate", good)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "valid")

	code, out, _ = run(t, "policy", "validate", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "invalid")

	code, out, _ = run(t, "policy", "show", good)
	assert.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out, "# policy_hash: "))

	code, _, _ = run(t, "policy")
	assert.Equal(t, 2, code)
}

type fakeClient struct {
	calls  []string
	result signer.Result
	err    error
}

func (f *fakeClient) record(op string, args ...string) (signer.Result, error) {
	f.calls = append(f.calls, op+" "+strings.Join(args, " "))
	return f.result, f.err
}

func (f *fakeClient) Submit(_ context.Context, sub intent.Submission) (signer.Result, error) {
	return f.record("submit", sub.RequestID)
}

func (f *fakeClient) Preview(_ context.Context, sub intent.Submission) (signer.Result, error) {
	return f.record("preview", sub.RequestID)
}

func (f *fakeClient) Approve(_ context.Context, id, token string) (signer.Result, error) {
	return f.record("approve", id, token)
}

func (f *fakeClient) Deny(_ context.Context, id string) (signer.Result, error) {
	return f.record("deny", id)
}

func (f *fakeClient) Sign(_ context.Context, id string) (signer.Result, error) {
	return f.record("sign", id)
}

func (f *fakeClient) Amend(_ context.Context, id string, a intent.Amendment) (signer.Result, error) {
	return f.record("amend", id, *a.Payee)
}

func (f *fakeClient) Status(_ context.Context, id string) (signer.Result, error) {
	return f.record("status", id)
}

func (f *fakeClient) Close() error { return nil }

func withFakeClient(t *testing.T, fc *fakeClient) *bridge.ClientConfig {
	t.Helper()
	var seen bridge.ClientConfig
	orig := dialSigner
	dialSigner = func(_ context.Context, cfg bridge.ClientConfig) (signerClient, error) {
		seen = cfg
		return fc, nil
	}
	t.Cleanup(func() { dialSigner = orig })
	return &seen
}

func TestClientCommands(t *testing.T) {
	dataDir(t)
	code, _, errOut := run(t, "init")
	require.Equal(t, 0, code, errOut)

	fc := &fakeClient{result: signer.Result{IntentID: "i-1", State: lifecycle.Approved, ReasonCode: reason.AllowAutoPolicyOK}}
	seen := withFakeClient(t, fc)

	sub := filepath.Join(t.TempDir(), "sub.json")
	require.NoError(t, os.WriteFile(sub, []byte(`{"request_id":"r-1","action_type":"transfer"}`), 0600))
	amend := filepath.Join(t.TempDir(), "amend.json")
	require.NoError(t, os.WriteFile(amend, []byte(`{"payee":"merchant.local"}`), 0600))

	cases := [][]string{
		{"submit", "--file", sub, "--actor", "planner", "--user", "alice"},
		{"preview", "--file", sub},
		{"approve", "--id", "i-1", "--token", "tok"},
		{"deny", "--id", "i-1"},
		{"sign", "--id", "i-1"},
		{"amend", "--id", "i-1", "--file", amend},
		{"status", "--id", "i-1"},
	}
	for _, args := range cases {
		code, out, errOut := run(t, args...)
		require.Equal(t, 0, code, errOut)
		var res signer.Result
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, "i-1", res.IntentID)
	}
	assert.Equal(t, []string{
		"submit r-1", "preview r-1", "approve i-1 tok", "deny i-1", "sign i-1", "amend i-1 merchant.local", "status i-1",
	}, fc.calls)
	assert.Len(t, seen.SignerKey, 32)
	assert.Equal(t, "cli", seen.Actor)
}

func TestClientCommandRefusal(t *testing.T) {
	dataDir(t)
	code, _, errOut := run(t, "init")
	require.Equal(t, 0, code, errOut)

	fc := &fakeClient{
		result: signer.Result{ReasonCode: reason.DenyInvalidTransition},
		err:    reason.New(reason.DenyInvalidTransition, "signer refused sign"),
	}
	withFakeClient(t, fc)

	code, out, _ := run(t, "sign", "--id", "i-9")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, string(reason.DenyInvalidTransition))
}

func TestClientCommandFlagErrors(t *testing.T) {
	dataDir(t)
	fc := &fakeClient{}
	withFakeClient(t, fc)

	code, _, errOut := run(t, "sign")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--id is required")

	code, _, errOut = run(t, "approve", "--id", "i-1")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--token is required")

	code, _, _ = run(t, "submit", "--file", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, 1, code)
	assert.Empty(t, fc.calls)
}

func TestApprovalTokenWithExplicitTerms(t *testing.T) {
	dataDir(t)
	code, _, errOut := run(t, "init")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := run(t, "approval-token", "--id", "i-1", "--terms", "sha256:abc", "--user", "alice")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, 3, len(strings.Split(strings.TrimSpace(out), ".")), "compact JWS")
}

func TestApprovalTokenFetchesTerms(t *testing.T) {
	dataDir(t)
	code, _, errOut := run(t, "init")
	require.Equal(t, 0, code, errOut)
	fc := &fakeClient{result: signer.Result{IntentID: "i-1", TermsHash: "sha256:fetched"}}
	withFakeClient(t, fc)

	code, _, errOut = run(t, "approval-token", "--id", "i-1")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, []string{"status i-1"}, fc.calls)
}

func TestAuditCheckpointAndVerify(t *testing.T) {
	dataDir(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	ctx := context.Background()
	d, err := openDaemon(ctx, cfg)
	require.NoError(t, err)
	_, err = d.emitter.Record(ctx, audit.Event{
		Kind:     audit.KindTransition,
		IntentID: "i-1",
		Actor:    "agent",
		Reason:   reason.AllowAutoPolicyOK,
	})
	require.NoError(t, err)
	d.Close()

	code, out, errOut := run(t, "audit", "verify")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "no checkpoint recorded")

	code, out, errOut = run(t, "audit", "checkpoint")
	require.Equal(t, 0, code, errOut)
	var cp audit.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(out), &cp))
	assert.Equal(t, uint64(1), cp.Sequence)

	code, out, errOut = run(t, "audit", "verify")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "sequence 1")

	// A restarted daemon continues the stored chain.
	d, err = openDaemon(ctx, cfg)
	require.NoError(t, err)
	defer d.Close()
	_, seq := d.emitter.Log().Head()
	assert.Equal(t, uint64(2), seq, "transition plus checkpoint event")
}

func TestSelfCheckJSON(t *testing.T) {
	code, out, _ := run(t, "selfcheck", "--json")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "core_dumps_disabled")
}
