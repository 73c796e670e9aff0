// Package reconnect decides how long to wait between redial attempts.
package reconnect

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	appErrors "convsync/pkg/errors"
)

type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	// MaxAttempts bounds consecutive failed redials; 0 retries forever.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.3,
	}
}

// Policy is exponential backoff with jitter. It is used by one supervisor
// goroutine at a time and is not safe for concurrent use.
type Policy struct {
	cfg      Config
	b        *backoff.ExponentialBackOff
	attempts int
}

func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return &Policy{cfg: cfg, b: b}
}

// Next returns the delay before the next attempt, or false once the attempt
// budget is spent.
func (p *Policy) Next() (time.Duration, bool) {
	if p.cfg.MaxAttempts > 0 && p.attempts >= p.cfg.MaxAttempts {
		return 0, false
	}
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	p.attempts++
	return d, true
}

// Attempts is the number of delays handed out since the last Reset.
func (p *Policy) Attempts() int { return p.attempts }

// Reset is called after a successful connection and when a new Connect
// starts over.
func (p *Policy) Reset() {
	p.attempts = 0
	p.b.Reset()
}

// Retryable reports whether a dial error is worth another attempt. A rejected
// credential is surfaced after the first try.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, appErrors.ErrAuthenticationRejected)
}
