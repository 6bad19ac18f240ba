package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changesync/internal/auth"
	"github.com/roach88/changesync/internal/config"
)

func TestReconcileCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")

	out, err := execute(t, "", "reconcile", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Released 0 task(s), requeued 0 pair(s), reset 0 publishing flag(s).")

	out, err = execute(t, "", "reconcile", "--db", db, "--format", "json")
	require.NoError(t, err)
	var result ReconcileResult
	decodeData(t, out, &result)
	assert.Empty(t, result.Released)
	assert.Empty(t, result.Requeued)
	assert.Equal(t, []string{}, result.FlagsReset)
}

func TestTestCommand(t *testing.T) {
	out, err := execute(t, "", "test", "../harness/testdata/scenarios")
	require.NoError(t, err)
	assert.Contains(t, out, "0 failed")

	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", `
name: broken
description: expects an applied change nobody admitted
steps:
  - drain: true
assertions:
  - {type: change_status, change: nope, status: applied}
`)
	out, err = execute(t, "", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")

	_, err = execute(t, "", "test", filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("CHANGESYNC_JWT_SECRET", "dev-secret")

	out, err := execute(t, "", "token", "--actor", "alice", "--format", "json")
	require.NoError(t, err)
	var result TokenResult
	decodeData(t, out, &result)
	assert.Equal(t, "alice", result.Actor)

	verifier, err := auth.NewVerifier("dev-secret", config.DefaultIssuer)
	require.NoError(t, err)
	actor, err := verifier.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", actor)
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	t.Setenv("CHANGESYNC_JWT_SECRET", "")

	_, err := execute(t, "", "token", "--actor", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "jwt_secret is required")
}

func TestServeNeedsSecret(t *testing.T) {
	t.Setenv("CHANGESYNC_JWT_SECRET", "")

	_, err := execute(t, "", "serve", "--db", filepath.Join(t.TempDir(), "ledger.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "auth.jwt_secret is required to serve")
}
