// Package config loads the run engine's environment-variable configuration
// (§6.4), following the same envOr/envIntOr/envDurationOr load pattern the
// rest of the stack's command-line entry points use.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowcore/runengine/workflow"
)

// Mode selects the single-process or distributed wiring.
type Mode string

const (
	ModeSingleProcess Mode = "single_process"
	ModeDistributed   Mode = "distributed"
)

// Config is the fully-resolved set of environment-derived settings (§6.4).
type Config struct {
	Mode Mode

	EventStoreURL    string
	MongoURL         string
	TemporalHostPort string

	GlobalConcurrency int
	TenantConcurrency int
	RunModelBudget    float64

	CacheRetrieval     bool
	CacheToolResults   bool
	ToolCacheSize      int
	ClearDataOnStartup bool

	StepPolicies map[workflow.Step]workflow.Policy

	HTTPAddr          string
	ToolInvokeTimeout time.Duration
	ActivityTimeout   time.Duration
}

// Load reads Config from the process environment, applying the defaults
// enumerated in §6.4.
func Load() Config {
	cfg := Config{
		Mode:               Mode(envOr("MODE", string(ModeSingleProcess))),
		EventStoreURL:      os.Getenv("EVENT_STORE_URL"),
		MongoURL:           os.Getenv("MONGO_URL"),
		TemporalHostPort:   os.Getenv("TEMPORAL_HOST_PORT"),
		GlobalConcurrency:  envIntOr("GLOBAL_CONCURRENCY", 64),
		TenantConcurrency:  envIntOr("TENANT_CONCURRENCY", 16),
		RunModelBudget:     envFloatOr("RUN_MODEL_BUDGET", 0),
		CacheRetrieval:     envBoolOr("CACHE_RETRIEVAL", true),
		CacheToolResults:   envBoolOr("CACHE_TOOL_RESULTS", true),
		ToolCacheSize:      envIntOr("TOOL_CACHE_SIZE", 512),
		ClearDataOnStartup: envBoolOr("CLEAR_DATA_ON_STARTUP", false),
		HTTPAddr:           envOr("HTTP_ADDR", ":8080"),
		ToolInvokeTimeout:  envDurationOr("TOOL_INVOKE_TIMEOUT", 20*time.Second),
		ActivityTimeout:    envDurationOr("ACTIVITY_TIMEOUT", 30*time.Second),
	}
	cfg.StepPolicies = loadStepPolicies()
	return cfg
}

// loadStepPolicies overrides workflow.DefaultPolicies() with any
// per-step MAX_ATTEMPTS_<STEP> / BACKOFF_BASE_<STEP> environment variables.
func loadStepPolicies() map[workflow.Step]workflow.Policy {
	policies := workflow.DefaultPolicies()
	for _, step := range workflow.Steps {
		upper := strings.ToUpper(string(step))
		p := policies[step]
		p.MaxAttempts = envIntOr("MAX_ATTEMPTS_"+upper, p.MaxAttempts)
		p.BackoffBase = envDurationOr("BACKOFF_BASE_"+upper, p.BackoffBase)
		policies[step] = p
	}
	return policies
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as a duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as a bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
