package scb

import (
	"math"
	"runtime"
	"time"
)

// PollConfig shapes how a side waits on a peer-owned word: a short spin,
// then sleeps growing from InitialDelay towards MaxDelay.
type PollConfig struct {
	Spins        int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		Spins:        256,
		InitialDelay: 50 * time.Microsecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Millisecond,
	}
}

// nextPollDelay returns the sleep before poll attempt N (1-based) once the
// spin budget is spent.
func nextPollDelay(cfg PollConfig, attempt int) time.Duration {
	if attempt <= 1 || cfg.InitialDelay <= 0 {
		return cfg.InitialDelay
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func spin(cfg PollConfig, cond func() bool) bool {
	for i := 0; i < cfg.Spins; i++ {
		if cond() {
			return true
		}
		if i&0x3F == 0 {
			runtime.Gosched()
		}
	}
	return cond()
}
