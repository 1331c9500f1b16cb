package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/workflow"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, ModeSingleProcess, cfg.Mode)
	require.Equal(t, 64, cfg.GlobalConcurrency)
	require.Equal(t, 16, cfg.TenantConcurrency)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 20*time.Second, cfg.ToolInvokeTimeout)
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("MODE", "distributed")
	t.Setenv("GLOBAL_CONCURRENCY", "128")
	t.Setenv("RUN_MODEL_BUDGET", "1000.5")
	t.Setenv("CACHE_RETRIEVAL", "false")

	cfg := Load()
	require.Equal(t, ModeDistributed, cfg.Mode)
	require.Equal(t, 128, cfg.GlobalConcurrency)
	require.Equal(t, 1000.5, cfg.RunModelBudget)
	require.False(t, cfg.CacheRetrieval)
}

func TestLoadStepPoliciesAppliesPerStepOverrides(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS_RETRIEVE", "7")
	t.Setenv("BACKOFF_BASE_RETRIEVE", "500ms")

	policies := loadStepPolicies()
	require.Equal(t, 7, policies[workflow.StepRetrieve].MaxAttempts)
	require.Equal(t, 500*time.Millisecond, policies[workflow.StepRetrieve].BackoffBase)

	defaults := workflow.DefaultPolicies()
	require.Equal(t, defaults[workflow.StepPlan].MaxAttempts, policies[workflow.StepPlan].MaxAttempts)
}

func TestEnvHelpersFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("BAD_INT", "not-a-number")
	require.Equal(t, 42, envIntOr("BAD_INT", 42))

	t.Setenv("BAD_BOOL", "not-a-bool")
	require.Equal(t, true, envBoolOr("BAD_BOOL", true))

	t.Setenv("BAD_DURATION", "not-a-duration")
	require.Equal(t, time.Second, envDurationOr("BAD_DURATION", time.Second))

	t.Setenv("BAD_FLOAT", "not-a-float")
	require.Equal(t, 1.5, envFloatOr("BAD_FLOAT", 1.5))
}

func TestEnvOrReturnsDefaultWhenUnset(t *testing.T) {
	require.Equal(t, "fallback", envOr("DEFINITELY_UNSET_KEY", "fallback"))
}
