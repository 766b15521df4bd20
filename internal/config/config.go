package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the election tuning a node is started with.
type Config struct {
	GroupName string
	NodeName  string

	ElectionOpenTimeout time.Duration
	ElectionReadTimeout time.Duration
	RebroadcastPeriod   time.Duration
	// MaxClockDelta is how far a learned result's time may be from the
	// local clock before a warning is logged.
	MaxClockDelta time.Duration
	// MaxClockSkew is how far ahead of the local clock a winning proposal
	// may be before proposing fails outright.
	MaxClockSkew        time.Duration
	MinElectionDuration time.Duration

	MaxProposeRetries int
	// PrimaryRetries is the number of retries before arbitration is
	// requested.
	PrimaryRetries int

	BackoffUnit        time.Duration
	ServicePollTimeout time.Duration

	// TestMode keeps retry exhaustion from failing the node.
	TestMode bool
}

func Default() Config {
	return Config{
		ElectionOpenTimeout: 10 * time.Second,
		ElectionReadTimeout: 10 * time.Second,
		RebroadcastPeriod:   time.Minute,
		MaxClockDelta:       2 * time.Second,
		MaxClockSkew:        time.Minute,
		MinElectionDuration: 500 * time.Millisecond,
		MaxProposeRetries:   1000,
		PrimaryRetries:      2,
		BackoffUnit:         time.Second,
		ServicePollTimeout:  time.Second,
	}
}

// WithDefaults returns c with every zero duration and count replaced by its
// default.
func (c Config) WithDefaults() Config {
	d := Default()
	dur := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	dur(&c.ElectionOpenTimeout, d.ElectionOpenTimeout)
	dur(&c.ElectionReadTimeout, d.ElectionReadTimeout)
	dur(&c.RebroadcastPeriod, d.RebroadcastPeriod)
	dur(&c.MaxClockDelta, d.MaxClockDelta)
	dur(&c.MaxClockSkew, d.MaxClockSkew)
	dur(&c.MinElectionDuration, d.MinElectionDuration)
	dur(&c.BackoffUnit, d.BackoffUnit)
	dur(&c.ServicePollTimeout, d.ServicePollTimeout)
	if c.MaxProposeRetries == 0 {
		c.MaxProposeRetries = d.MaxProposeRetries
	}
	if c.PrimaryRetries == 0 {
		c.PrimaryRetries = d.PrimaryRetries
	}
	return c
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if c.GroupName == "" {
		errs = append(errs, errors.New("group name is required"))
	}
	if c.NodeName == "" {
		errs = append(errs, errors.New("node name is required"))
	}
	positive := []struct {
		name string
		v    time.Duration
	}{
		{"election open timeout", c.ElectionOpenTimeout},
		{"election read timeout", c.ElectionReadTimeout},
		{"rebroadcast period", c.RebroadcastPeriod},
		{"max clock delta", c.MaxClockDelta},
		{"max clock skew", c.MaxClockSkew},
		{"backoff unit", c.BackoffUnit},
		{"service poll timeout", c.ServicePollTimeout},
	}
	for _, f := range positive {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", f.name, f.v))
		}
	}
	if c.MinElectionDuration < 0 {
		errs = append(errs, fmt.Errorf("min election duration must not be negative, got %v", c.MinElectionDuration))
	}
	if c.MaxProposeRetries < 0 {
		errs = append(errs, fmt.Errorf("max propose retries must not be negative, got %d", c.MaxProposeRetries))
	}
	if c.PrimaryRetries <= 0 {
		errs = append(errs, fmt.Errorf("primary retries must be positive, got %d", c.PrimaryRetries))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
