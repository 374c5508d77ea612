package research

import (
	"time"

	"github.com/howardjong/AgentPrice-sub003/runtimeconfig"
)

// RuntimePolicy controls how workers claim, retry and report on research
// jobs. Zero fields take the defaults.
type RuntimePolicy struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	PollInterval      time.Duration
	ClaimBlock        time.Duration
	HeartbeatInterval time.Duration
}

func DefaultRuntimePolicy() RuntimePolicy {
	return RuntimePolicy{
		MaxAttempts:       3,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        time.Minute,
		PollInterval:      250 * time.Millisecond,
		ClaimBlock:        2 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// PolicyFromConfig reads the research section of the service config.
func PolicyFromConfig(cfg runtimeconfig.ResearchConfig) RuntimePolicy {
	return NormalizeRuntimePolicy(RuntimePolicy{
		MaxAttempts:       cfg.MaxAttempts,
		BaseBackoff:       cfg.BaseBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		PollInterval:      cfg.PollInterval,
		ClaimBlock:        cfg.ClaimBlock,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
}

func positiveOr[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// NormalizeRuntimePolicy fills unset fields and keeps MaxBackoff at or
// above BaseBackoff. A zero ClaimBlock means non-blocking claims.
func NormalizeRuntimePolicy(p RuntimePolicy) RuntimePolicy {
	def := DefaultRuntimePolicy()
	p.MaxAttempts = positiveOr(p.MaxAttempts, def.MaxAttempts)
	p.BaseBackoff = positiveOr(p.BaseBackoff, def.BaseBackoff)
	p.MaxBackoff = max(positiveOr(p.MaxBackoff, def.MaxBackoff), p.BaseBackoff)
	p.PollInterval = positiveOr(p.PollInterval, def.PollInterval)
	p.ClaimBlock = max(p.ClaimBlock, 0)
	p.HeartbeatInterval = positiveOr(p.HeartbeatInterval, def.HeartbeatInterval)
	return p
}

// Backoff is the delay before retry n+1: BaseBackoff doubled per prior
// attempt, capped at MaxBackoff.
func (p RuntimePolicy) Backoff(attempt int) time.Duration {
	p = NormalizeRuntimePolicy(p)
	delay := p.BaseBackoff
	for n := max(attempt, 1); n > 1 && delay < p.MaxBackoff; n-- {
		delay *= 2
	}
	return min(delay, p.MaxBackoff)
}
