package provider

import (
	"context"
	"sync"
	"time"
)

// Endpoint pairs a client with the model to request from it.
type Endpoint struct {
	Client Completer
	Model  string
}

type CooldownConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 5,
	}
}

type cooldownState struct {
	errors int
	until  time.Time
}

// Chain tries endpoints in order. Rate-limited or unauthorized endpoints are
// put in an escalating cooldown and skipped until it expires; any retryable
// error moves on to the next endpoint, anything else is returned as is.
type Chain struct {
	endpoints []Endpoint
	cfg       CooldownConfig
	now       func() time.Time

	mu    sync.Mutex
	state map[string]*cooldownState
}

func NewChain(cfg CooldownConfig, endpoints ...Endpoint) *Chain {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Chain{
		endpoints: endpoints,
		cfg:       cfg,
		now:       time.Now,
		state:     make(map[string]*cooldownState),
	}
}

func (c *Chain) ID() string {
	if len(c.endpoints) == 0 {
		return "chain"
	}
	return c.endpoints[0].Client.ID()
}

// Complete sends req to the first available endpoint. req.Model is
// overwritten per endpoint when the endpoint names one.
func (c *Chain) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	attempted := make([]string, 0, len(c.endpoints))
	var lastErr error

	for _, ep := range c.endpoints {
		key := ep.Client.ID() + "/" + ep.Model
		if c.inCooldown(key) {
			continue
		}
		attempted = append(attempted, key)

		r := *req
		if ep.Model != "" {
			r.Model = ep.Model
		}
		resp, err := ep.Client.Complete(ctx, &r)
		if err == nil {
			c.reset(key)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if IsRateLimitError(err) || IsAuthError(err) {
			c.putInCooldown(key)
			continue
		}
		if !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Attempted: attempted, Last: lastErr}
}

func (c *Chain) inCooldown(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[key]
	return ok && c.now().Before(s.until)
}

func (c *Chain) putInCooldown(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[key]
	if !ok {
		s = &cooldownState{}
		c.state[key] = s
	}
	s.errors++
	d := c.cfg.Initial
	for i := 1; i < s.errors; i++ {
		d *= time.Duration(c.cfg.Multiplier)
		if d > c.cfg.Max {
			d = c.cfg.Max
			break
		}
	}
	s.until = c.now().Add(d)
}

func (c *Chain) reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, key)
}
