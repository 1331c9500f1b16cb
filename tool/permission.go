package tool

import (
	"context"
	"fmt"
	"os"
)

// EnvPermissionGate is the default PermissionGate: a scope is allowed only
// when its backing environment variable is present, mirroring the
// "GITHUB_TOKEN absent → scope_not_allowed_environment" boundary case
// (§8 scenario 4). Scopes are mapped to env var names by ScopeEnvVar.
type EnvPermissionGate struct {
	// ScopeEnvVar maps a permission scope (e.g. "github.read") to the
	// environment variable that must be set for it to be allowed.
	ScopeEnvVar map[string]string
}

// NewEnvPermissionGate returns a gate using the given scope→env mapping.
func NewEnvPermissionGate(scopeEnvVar map[string]string) *EnvPermissionGate {
	return &EnvPermissionGate{ScopeEnvVar: scopeEnvVar}
}

// Allow implements PermissionGate.
func (g *EnvPermissionGate) Allow(_ context.Context, scope, environment, _ string) (bool, string) {
	envVar, known := g.ScopeEnvVar[scope]
	if !known {
		return false, fmt.Sprintf("scope_not_allowed_unknown_scope:%s", scope)
	}
	if os.Getenv(envVar) == "" {
		return false, fmt.Sprintf("scope_not_allowed_%s", environment)
	}
	return true, ""
}
