// Package ratelimit implements a fixed-window counter with a block period,
// shared across processes through a CounterStore.
package ratelimit

import (
	"fmt"
	"time"
)

// Policy names.
const (
	PolicyAuth    = "auth"
	PolicyAPI     = "api"
	PolicySearch  = "search"
	PolicyMessage = "message"
)

// Policy caps requests per identity. Once Limit is exceeded inside Window the
// identity is blocked for Block, which may outlast the window.
type Policy struct {
	Name   string        `yaml:"name"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
	Block  time.Duration `yaml:"block"`
}

func (p Policy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("ratelimit: policy without a name")
	case p.Limit <= 0:
		return fmt.Errorf("ratelimit: policy %q: limit must be positive", p.Name)
	case p.Window <= 0:
		return fmt.Errorf("ratelimit: policy %q: window must be positive", p.Name)
	case p.Block < 0:
		return fmt.Errorf("ratelimit: policy %q: negative block", p.Name)
	}
	return nil
}

// DefaultPolicies returns the built-in table, keyed by name.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyAuth:    {Name: PolicyAuth, Limit: 5, Window: 15 * time.Minute, Block: 15 * time.Minute},
		PolicyAPI:     {Name: PolicyAPI, Limit: 100, Window: time.Minute, Block: time.Minute},
		PolicySearch:  {Name: PolicySearch, Limit: 30, Window: time.Minute, Block: 2 * time.Minute},
		PolicyMessage: {Name: PolicyMessage, Limit: 30, Window: 10 * time.Second, Block: 30 * time.Second},
	}
}
