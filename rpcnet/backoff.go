package rpcnet

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// expBackoffConfig defines the parameters for exponential backoff
type expBackoffConfig struct {
	// Initial delay before first retry
	InitialDelay time.Duration
	// Maximum delay between retries
	MaxDelay time.Duration
	// Factor to multiply the delay by after each retry
	Factor float64
	// Jitter adds randomness to prevent thundering herd.
	// Percentage of the current delay to use for
	// a jitter window around 0.
	Jitter float64
}

var defaultExpBackoffConfig = expBackoffConfig{
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Factor:       2.0,
	Jitter:       0.2, // 20% jitter
}

// expBackoff paces topology polls after the server stops answering.
type expBackoff struct {
	config  expBackoffConfig
	attempt int
}

func newExpBackoff(config expBackoffConfig) *expBackoff {
	return &expBackoff{config: config}
}

// next returns the next delay duration
func (b *expBackoff) next() time.Duration {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Factor, float64(b.attempt))

	f1 := float64(cryptoRandInt64RangePosOrNeg(1e6-1)) / 2e6 // in (-0.5, 0.5)
	jitter := f1 * b.config.Jitter * delay
	delay += jitter

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
		// but still jitter, a little.
		jitter = f1 * b.config.Jitter * delay / 2
		if jitter < 0 {
			jitter = -jitter
		}
		delay += jitter
	}
	b.attempt++
	return time.Duration(delay)
}

func (b *expBackoff) reset() {
	b.attempt = 0
}

// returns r in [-nmax, nmax]
func cryptoRandInt64RangePosOrNeg(nmax int64) int64 {
	b := make([]byte, 8)
	_, err := cryrand.Read(b)
	panicOn(err)
	r := int64(binary.LittleEndian.Uint64(b) >> 1)
	r = r % (nmax + 1)
	if b[0]&1 == 1 {
		r = -r
	}
	return r
}
