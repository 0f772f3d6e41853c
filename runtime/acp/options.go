package acp

import (
	"log/slog"
	"time"

	"github.com/agentpilot/agentpilot"
	"github.com/agentpilot/agentpilot/profile"
	"github.com/agentpilot/agentpilot/transcript"
)

// Policy defaults. These are observed-vendor values, not protocol
// requirements; override via Config or the agent profile.
const (
	defaultEventBuffer          = 4096
	defaultRequestTimeout       = 30 * time.Second
	defaultRetryAttempts        = 3
	defaultRetryBaseDelay       = 1 * time.Second
	defaultRetryMaxDelay        = 5 * time.Second
	defaultRetryFactor          = 2.0
	defaultIdleWindow           = 500 * time.Millisecond
	defaultToolTimeout          = 120 * time.Second
	defaultInvestigationTimeout = 300 * time.Second
	defaultCancelGrace          = 2 * time.Second
	defaultKillEscalation       = 1 * time.Second
	defaultMaxMessageSize       = 4 << 20 // 4 MB scanner limit
	defaultHistoryTail          = 150
	defaultMaxOverlap           = 30
)

// RetryPolicy bounds the retry loop around initialize, session/new and
// session/load.
type RetryPolicy struct {
	// Attempts is the total number of tries (not retries after the first).
	Attempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Factor multiplies the delay per attempt.
	Factor float64
}

// Config holds construction-time configuration for a Session. Profile is
// required; everything else has defaults.
type Config struct {
	// Profile is the agent's transport policy (command, filters, tool
	// tables, timeout overrides).
	Profile *profile.Profile

	// CWD is the working directory for the agent process and session.
	CWD string

	// MCPServers are passed through to session/new and session/load.
	MCPServers []MCPServer

	// Env is merged over the process environment and the profile env.
	Env map[string]string

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Responder decides permission requests (and replay divergence
	// prompts). A nil responder denies everything.
	Responder agentpilot.PermissionResponder

	// Store is the local transcript, used for replay reconciliation when
	// resuming a session. Optional; without it, resume skips
	// reconciliation and imports nothing.
	Store transcript.Store

	// EventBuffer is the event channel capacity.
	EventBuffer int

	// Retry bounds initialize/new-session/load-session retries.
	Retry RetryPolicy

	// RequestTimeout is the per-attempt deadline for the retried RPCs.
	RequestTimeout time.Duration

	// IdleWindow is the quiet period after output before the session is
	// considered idle.
	IdleWindow time.Duration

	// ToolTimeout is the execution deadline for an in-progress tool call.
	ToolTimeout time.Duration

	// InvestigationTimeout is the deadline for investigation-class tools.
	InvestigationTimeout time.Duration

	// CancelGrace bounds the graceful session/cancel during Dispose.
	CancelGrace time.Duration

	// KillEscalation is the wait after terminate before a hard kill.
	KillEscalation time.Duration

	// MaxMessageSize caps a single inbound JSON-RPC message.
	MaxMessageSize int
}

// resolved is the fully-defaulted runtime configuration.
type resolved struct {
	Config
}

func resolveConfig(cfg Config) resolved {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = defaultRetryAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = defaultRetryBaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = defaultRetryMaxDelay
	}
	if cfg.Retry.Factor <= 1 {
		cfg.Retry.Factor = defaultRetryFactor
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = defaultIdleWindow
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.InvestigationTimeout <= 0 {
		cfg.InvestigationTimeout = defaultInvestigationTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if cfg.KillEscalation <= 0 {
		cfg.KillEscalation = defaultKillEscalation
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	// Profile timeout overrides win over Config zero-values but lose to
	// explicit Config settings; Config zero means "use profile or default",
	// so apply profile values where the caller left the default in place.
	if p := cfg.Profile; p != nil {
		if d := p.Timeouts.Request.Std(); d > 0 && cfg.RequestTimeout == defaultRequestTimeout {
			cfg.RequestTimeout = d
		}
		if d := p.Timeouts.ToolExecution.Std(); d > 0 && cfg.ToolTimeout == defaultToolTimeout {
			cfg.ToolTimeout = d
		}
		if d := p.Timeouts.Investigation.Std(); d > 0 && cfg.InvestigationTimeout == defaultInvestigationTimeout {
			cfg.InvestigationTimeout = d
		}
		if d := p.Timeouts.Idle.Std(); d > 0 && cfg.IdleWindow == defaultIdleWindow {
			cfg.IdleWindow = d
		}
	}
	return resolved{cfg}
}

// toolTimeoutFor returns the execution deadline for a resolved tool name.
func (r *resolved) toolTimeoutFor(name string) time.Duration {
	if r.Profile != nil && r.Profile.IsInvestigationTool(name) {
		return r.InvestigationTimeout
	}
	return r.ToolTimeout
}

// backoffDelay computes the wait before attempt n (0-based: the delay
// after the n-th failure), capped at MaxDelay.
func (p RetryPolicy) backoffDelay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}
