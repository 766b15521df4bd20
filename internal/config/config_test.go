package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()
	c.GroupName, c.NodeName = "g", "n"
	ok(t, c.Validate())
	equals(t, 10*time.Second, c.ElectionOpenTimeout)
	equals(t, 2, c.PrimaryRetries)
}

func TestWithDefaults(t *testing.T) {
	c := Config{GroupName: "g", NodeName: "n", ElectionReadTimeout: time.Second, MaxProposeRetries: 3}.WithDefaults()
	ok(t, c.Validate())
	equals(t, time.Second, c.ElectionReadTimeout)
	equals(t, 3, c.MaxProposeRetries)
	equals(t, Default().ElectionOpenTimeout, c.ElectionOpenTimeout)
	equals(t, Default().MinElectionDuration, c.MinElectionDuration)
	equals(t, Default().BackoffUnit, c.BackoffUnit)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.ElectionOpenTimeout = -time.Second
	c.MinElectionDuration = -1
	c.PrimaryRetries = 0
	err := c.Validate()
	assert(t, err != nil, "expected validation errors")

	msg := err.Error()
	assert(t, strings.HasPrefix(msg, "config: "), "errors should be prefixed: %q", msg)
	for _, want := range []string{
		"group name is required",
		"node name is required",
		"election open timeout must be positive",
		"min election duration must not be negative",
		"primary retries must be positive",
	} {
		assert(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}
	assert(t, strings.Index(msg, "group name") < strings.Index(msg, "primary retries"),
		"errors should be reported in field order: %q", msg)
}
