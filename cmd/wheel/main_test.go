package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murray-ux/wheel/pkg/wheel"
)

const testPolicy = `
version: 1.0.0
rules:
  - id: deployers
    effect: ALLOW
    principal: "ops-*"
    action: deploy
    resource: "svc:*"
  - id: no-prod
    effect: DENY
    resource: "svc:prod*"
    message: production is frozen
`

// setupEnv points every WHEEL_* setting at a temp dir and returns it.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policy, []byte(testPolicy), 0o600))

	for k, v := range map[string]string{
		"WHEEL_CONFIG":           "",
		"WHEEL_LOG_LEVEL":        "ERROR",
		"WHEEL_POLICY_FILE":      policy,
		"WHEEL_OPA_URL":          "",
		"WHEEL_AUDIT_SINK":       "jsonl",
		"WHEEL_AUDIT_PATH":       filepath.Join(dir, "audit.jsonl"),
		"WHEEL_DATABASE_URL":     "",
		"WHEEL_AUDIT_RATE":       "",
		"WHEEL_AUDIT_BURST":      "",
		"WHEEL_SIGNING_SEED":     "test-seed",
		"WHEEL_SIGNING_KEY_ID":   "test",
		"WHEEL_OTLP_ENDPOINT":    "",
		"WHEEL_DEFAULT_DEADLINE": "5s",
		"WHEEL_ARCHIVE_TYPE":     "fs",
		"WHEEL_ARCHIVE_DIR":      filepath.Join(dir, "archive"),
	} {
		t.Setenv(k, v)
	}
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"wheel"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func decodeResult(t *testing.T, out string) wheel.Result {
	t.Helper()
	var res wheel.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	return res
}

func TestRun_Dispatch(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "verify-audit")

	code, _, stderr = run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command")
}

func TestSpin_UsageErrors(t *testing.T) {
	setupEnv(t)

	code, _, stderr := run("spin", "--action", "deploy", "--resource", "svc:api", "--", "true")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--principal")

	code, _, stderr = run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "command")

	code, _, _ = run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api", "--context", "[1]", "--", "true")
	assert.Equal(t, 2, code)
}

func TestRequestFlags_ValidateListsMissingInOrder(t *testing.T) {
	var req requestFlags
	for range 10 {
		assert.EqualError(t, req.validate(), "--principal, --action, --resource required")
	}

	req = requestFlags{action: "deploy"}
	assert.EqualError(t, req.validate(), "--principal, --resource required")
}

func TestSpin_SealsAndAudits(t *testing.T) {
	dir := setupEnv(t)

	code, stdout, stderr := run("spin",
		"--principal", "ops-1", "--action", "deploy", "--resource", "svc:api",
		"--context", `{"ticket":"OPS-7"}`, "--tag", "canary", "--archive",
		"--", "echo", "shipped")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "archived spk_")

	res := decodeResult(t, stdout)
	assert.Equal(t, wheel.Sealed, res.Phase)
	assert.Empty(t, res.Code)
	assert.Len(t, res.Receipts, 5)
	assert.True(t, strings.HasPrefix(res.Signature, "test:"))
	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "shipped\n", out["stdout"])

	resultFile := filepath.Join(dir, "result.json")
	require.NoError(t, os.WriteFile(resultFile, []byte(stdout), 0o600))
	code, vout, _ := run("verify-result", "--file", resultFile)
	assert.Equal(t, 0, code, vout)

	code, vout, _ = run("verify-audit", "--file", filepath.Join(dir, "audit.jsonl"), "--json")
	require.Equal(t, 0, code, vout)
	var report verifyReport
	require.NoError(t, json.Unmarshal([]byte(vout), &report))
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Lines)
}

func TestSpin_DeniedIsDead(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:prod-db", "--", "true")
	assert.Equal(t, 1, code)
	res := decodeResult(t, stdout)
	assert.Equal(t, wheel.Dead, res.Phase)
	assert.Equal(t, wheel.CodePolicyDenied, res.Code)
	assert.Contains(t, res.Error, "production is frozen")
}

func TestSpin_FailingCommand(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api", "--", "false")
	assert.Equal(t, 1, code)
	res := decodeResult(t, stdout)
	assert.Equal(t, wheel.CodeExecutor, res.Code)
}

func TestSpin_DeadlineKillsCommand(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api",
		"--deadline", "50ms", "--", "sleep", "5")
	assert.Equal(t, 1, code)
	res := decodeResult(t, stdout)
	assert.Equal(t, wheel.CodeDeadline, res.Code)
}

func TestSpin_SQLiteAndMemoryFanout(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("WHEEL_AUDIT_SINK", "sqlite,memory")
	t.Setenv("WHEEL_AUDIT_PATH", filepath.Join(dir, "audit.db"))
	t.Setenv("WHEEL_AUDIT_RATE", "1000")
	t.Setenv("WHEEL_AUDIT_BURST", "10")

	code, stdout, stderr := run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api", "--", "true")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, wheel.Sealed, decodeResult(t, stdout).Phase)
}

func TestVerifyResult_RejectsWrongKeyAndTampering(t *testing.T) {
	dir := setupEnv(t)

	code, stdout, _ := run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api", "--", "true")
	require.Equal(t, 0, code)

	file := filepath.Join(dir, "result.json")
	require.NoError(t, os.WriteFile(file, []byte(stdout), 0o600))

	code, _, _ = run("verify-result", "--file", file, "--public-key", hex.EncodeToString(make([]byte, 32)))
	assert.Equal(t, 1, code)

	tampered := strings.Replace(stdout, `"phase": "SEALED"`, `"phase": "DEAD"`, 1)
	require.NoError(t, os.WriteFile(file, []byte(tampered), 0o600))
	code, _, _ = run("verify-result", "--file", file)
	assert.Equal(t, 1, code)

	code, _, _ = run("verify-result")
	assert.Equal(t, 2, code)
}

func TestVerifyAudit_DetectsTampering(t *testing.T) {
	dir := setupEnv(t)

	code, _, _ := run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api", "--", "true")
	require.Equal(t, 0, code)

	path := filepath.Join(dir, "audit.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.Replace(data, []byte("ops-1"), []byte("ops-2"), 1), 0o600))

	code, stdout, _ := run("verify-audit", "--file", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "FAIL")

	code, _, _ = run("verify-audit")
	assert.Equal(t, 2, code)
	code, _, _ = run("verify-audit", "--file", filepath.Join(dir, "missing.jsonl"))
	assert.Equal(t, 2, code)
}

func TestEval(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run("eval", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, `"effect": "ALLOW"`)

	code, stdout, _ = run("eval", "--principal", "dev-1", "--action", "deploy", "--resource", "svc:api")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, `"effect": "DENY"`)

	t.Setenv("WHEEL_POLICY_FILE", "")
	code, stdout, _ = run("eval", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:api")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "no policy configured")
}

func TestPubkey(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run("pubkey")
	require.Equal(t, 0, code)
	fields := strings.Fields(stdout)
	require.Len(t, fields, 2)
	assert.Equal(t, "test", fields[0])
	assert.Len(t, fields[1], 64)

	t.Setenv("WHEEL_SIGNING_SEED", "")
	code, _, _ = run("pubkey")
	assert.Equal(t, 2, code)
}

// noopWasm is a module whose _start returns immediately.
var noopWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func TestSpin_WASMModule(t *testing.T) {
	dir := setupEnv(t)
	mod := filepath.Join(dir, "noop.wasm")
	require.NoError(t, os.WriteFile(mod, noopWasm, 0o600))

	code, stdout, stderr := run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:wasm", "--wasm", mod)
	require.Equal(t, 0, code, stderr)
	res := decodeResult(t, stdout)
	assert.Equal(t, wheel.Sealed, res.Phase)

	bad := filepath.Join(dir, "bad.wasm")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0o600))
	code, _, _ = run("spin", "--principal", "ops-1", "--action", "deploy", "--resource", "svc:wasm", "--wasm", bad)
	assert.Equal(t, 2, code)
}
