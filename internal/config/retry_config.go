package config

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollConfig controls how long the runner waits for documents whose text
// extraction has not finished yet.
type PollConfig struct {
	MaxWait         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// GetExtractionPollConfig derives the polling schedule from EXTRACTION_WAIT.
// Test mode polls fast so suites stay quick.
func (c Config) GetExtractionPollConfig() PollConfig {
	if c.IsTest() {
		return PollConfig{MaxWait: 200 * time.Millisecond, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2}
	}
	return PollConfig{MaxWait: c.ExtractionWait, InitialInterval: time.Second, MaxInterval: 15 * time.Second, Multiplier: 2}
}

// NewBackOff builds an exponential backoff bounded by MaxWait.
func (p PollConfig) NewBackOff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxInterval = p.MaxInterval
	expo.Multiplier = p.Multiplier
	expo.MaxElapsedTime = p.MaxWait
	expo.Reset()
	return expo
}
