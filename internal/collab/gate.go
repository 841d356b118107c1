package collab

import (
	"context"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/pkg/canon"
)

// StaticGate is the built-in approval gate for CRITICAL requests: it answers
// from configuration without consulting anyone. Interactive or ticket-driven
// gates live outside the engine and implement ApprovalGate themselves.
type StaticGate struct {
	mode  string
	allow bool
}

// NewStaticGate builds a StaticGate from the critical_gate configuration.
func NewStaticGate(cfg config.CriticalGateConfig) *StaticGate {
	return &StaticGate{mode: cfg.Mode, allow: cfg.Allow}
}

// Approve answers per configuration: mode "deny" refuses every CRITICAL
// request, mode "static" answers with the configured allow flag.
func (g *StaticGate) Approve(ctx context.Context, req *canon.ChangeRequest, risk *canon.RiskScore) (bool, string, error) {
	if g.mode == "deny" {
		return false, "critical changes are denied by configuration", nil
	}
	if g.allow {
		return true, "critical changes are allowed by configuration", nil
	}
	return false, "critical change requires secondary approval and none was granted", nil
}
