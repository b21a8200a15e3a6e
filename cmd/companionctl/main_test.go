package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("COMPANION_DB_DRIVER", "sqlite")
	t.Setenv("COMPANION_SQLITE_PATH", filepath.Join(t.TempDir(), "ctl.db"))
	t.Setenv("COMPANION_MEMORY_SERVICE_API_KEY", "")
	t.Setenv("COMPANION_PLANS_FILE", "")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPlanSetThenUsageShow(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "plan", "set", "u-1", "plus")
	require.NoError(t, err)
	assert.Contains(t, out, `"planId": "plus"`)

	out, err = run(t, "usage", "show", "u-1")
	require.NoError(t, err)
	var sum struct {
		PlanID       string `json:"planId"`
		PlanFallback bool   `json:"planFallback"`
		Usage        map[string]struct {
			Current int64 `json:"current"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, "plus", sum.PlanID)
	assert.False(t, sum.PlanFallback)
	assert.Len(t, sum.Usage, 6)
}

func TestPlanSet_UnknownPlan(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "plan", "set", "u-1", "gold")
	assert.ErrorContains(t, err, `unknown plan "gold"`)

	_, err = run(t, "plan", "set", "u-1", "plus", "--period-start", "May")
	assert.Error(t, err)
}

func TestPlanList(t *testing.T) {
	setupEnv(t)
	out, err := run(t, "plan", "list")
	require.NoError(t, err)
	var got []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 3)
	assert.Equal(t, "free", got[0].ID)
}

func TestUsageSync_LedgerOnly(t *testing.T) {
	setupEnv(t)
	out, err := run(t, "usage", "sync", "u-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"ledger"`)
	assert.NotContains(t, out, "memory_service")
}

func TestIdentityResolve_NotConfigured(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "identity", "resolve", "u-1")
	assert.ErrorContains(t, err, "Memory service not configured")

	_, err = run(t, "identity", "resolve", "u-1", "--lookup-only")
	assert.ErrorContains(t, err, "no external identity")
}

func TestLinksGet(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "links", "get", "u-1", "msg-1")
	assert.ErrorContains(t, err, "no memories linked")

	_, err = run(t, "links", "get", "u-1")
	assert.ErrorContains(t, err, "--chat required")

	out, err := run(t, "links", "get", "u-1", "--chat", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}
