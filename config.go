package cpclient

import (
	"fmt"
	"time"
)

// Config says how a CPSubsystemClient talks to the CP groups.
// Start from NewConfig() and adjust.
type Config struct {

	// ClientName shows up in logs and in session
	// creation requests. Defaults to a random name.
	ClientName string

	// InvocationTimeout bounds every single invocation,
	// including its one stale-routing retry, even when the
	// caller's context has no deadline.
	InvocationTimeout time.Duration

	// HeartbeatInterval is an upper bound on how often
	// a session is heartbeated. The cluster can suggest
	// a shorter one, and we never go above ttl/3.
	HeartbeatInterval time.Duration

	// SessionSweepInterval is how often idle, expired
	// sessions are dropped locally.
	SessionSweepInterval time.Duration

	// DirectToLeaderRouting sends each request straight
	// at the leader we have on file for its group. When
	// false, the Messenger picks the member.
	DirectToLeaderRouting bool

	// LeaderRefreshWait is how long an invocation will wait
	// for a fresh topology snapshot after it invalidated a
	// stale leader, before falling back to undirected routing.
	LeaderRefreshWait time.Duration

	// CloseSessionTimeout bounds the best-effort remote
	// close of each session during Shutdown.
	CloseSessionTimeout time.Duration

	// Verbose turns on debug logging.
	Verbose bool
}

func NewConfig() *Config {
	return &Config{
		ClientName:           "cpclient_" + NewInvocationUID()[:8],
		InvocationTimeout:    2 * time.Minute,
		HeartbeatInterval:    5 * time.Second,
		SessionSweepInterval: time.Second,
		LeaderRefreshWait:    50 * time.Millisecond,
		CloseSessionTimeout:  2 * time.Second,
	}
}

// Validate fills zero fields with defaults and rejects
// negative durations.
func (cfg *Config) Validate() error {
	def := NewConfig()
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	for _, d := range []struct {
		name string
		p    *time.Duration
		dflt time.Duration
	}{
		{"InvocationTimeout", &cfg.InvocationTimeout, def.InvocationTimeout},
		{"HeartbeatInterval", &cfg.HeartbeatInterval, def.HeartbeatInterval},
		{"SessionSweepInterval", &cfg.SessionSweepInterval, def.SessionSweepInterval},
		{"LeaderRefreshWait", &cfg.LeaderRefreshWait, def.LeaderRefreshWait},
		{"CloseSessionTimeout", &cfg.CloseSessionTimeout, def.CloseSessionTimeout},
	} {
		if *d.p < 0 {
			return fmt.Errorf("%w: Config.%v must not be negative: %v", ErrInvalidArgument, d.name, *d.p)
		}
		if *d.p == 0 && d.name != "LeaderRefreshWait" {
			*d.p = d.dflt
		}
	}
	return nil
}
