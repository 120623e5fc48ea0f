package app

import (
	"fmt"
	"time"

	"github.com/Amund211/fetchcache/internal/config"
)

type ResolverOptions struct {
	MaxSize int
	TTL     time.Duration

	FailureThreshold uint
	RecoveryTimeout  time.Duration

	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration

	// Limit for a single fetch attempt. Zero disables the timeout.
	Timeout time.Duration

	CleanupInterval time.Duration
	LatencyWindow   int
}

func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		MaxSize:          50,
		TTL:              300 * time.Second,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MaxRetries:       3,
		BaseDelay:        1 * time.Second,
		MaxJitter:        1 * time.Second,
		Timeout:          10 * time.Second,
		CleanupInterval:  60 * time.Second,
		LatencyWindow:    100,
	}
}

func ResolverOptionsFromConfig(conf config.Config) ResolverOptions {
	options := DefaultResolverOptions()

	options.MaxSize = conf.CacheMaxSize()
	options.TTL = conf.CacheTTL()
	options.FailureThreshold = conf.BreakerFailureThreshold()
	options.RecoveryTimeout = conf.BreakerRecoveryTimeout()
	options.MaxRetries = conf.RetryMaxRetries()
	options.BaseDelay = conf.RetryBaseDelay()
	options.Timeout = conf.FetchTimeout()
	options.CleanupInterval = conf.CleanupInterval()
	options.LatencyWindow = conf.LatencyWindow()

	return options
}

func (o ResolverOptions) Validate() error {
	if o.CleanupInterval <= 0 {
		return fmt.Errorf("invalid resolver options: cleanup interval must be positive, got %s", o.CleanupInterval)
	}
	if o.LatencyWindow <= 0 {
		return fmt.Errorf("invalid resolver options: latency window must be positive, got %d", o.LatencyWindow)
	}
	if o.BaseDelay < 0 || o.MaxJitter < 0 {
		return fmt.Errorf("invalid resolver options: retry delays must not be negative")
	}
	return nil
}
