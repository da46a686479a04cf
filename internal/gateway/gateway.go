// Package gateway mediates every call to an external agent. Each agent class
// has its own token bucket, circuit breaker and retry policy; the gateway
// resolves failures into an unsuccessful AgentCallResult instead of an error.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrUnknownClass is reported for calls to a class that was never registered.
var ErrUnknownClass = errors.New("unknown agent class")

// ClassConfig is the resilience policy of one agent class.
type ClassConfig struct {
	RPS              float64
	Burst            int
	FailureThreshold int
	OpenTimeout      time.Duration
	MaxAttempts      int
	// Timeout bounds each attempt.
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Fallback names a class tried once when this one fails. Its results are
	// marked degraded.
	Fallback domain.AgentClass
}

type class struct {
	name    domain.AgentClass
	cfg     ClassConfig
	client  agent.Client
	limiter *rate.Limiter
	breaker *breaker
}

// Gateway routes agent requests through per-class rate limiting, circuit
// breaking and retries. Classes are registered before the gateway serves
// traffic; afterwards the class map is read-only and the per-class state is
// safe for concurrent use.
type Gateway struct {
	classes map[domain.AgentClass]*class
	logger  *slog.Logger
	now     func() time.Time
	calls   metric.Int64Counter
}

// New returns an empty Gateway.
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	calls, err := meter.Int64Counter("improv.gateway.calls",
		metric.WithDescription("Agent gateway invocations by class and outcome"))
	if err != nil {
		logger.Warn("failed to create gateway call counter", "error", err)
		calls = noop.Int64Counter{}
	}
	return &Gateway{
		classes: make(map[domain.AgentClass]*class),
		logger:  logger,
		now:     time.Now,
		calls:   calls,
	}
}

// Register adds an agent class backed by client.
func (g *Gateway) Register(name domain.AgentClass, client agent.Client, cfg ClassConfig) error {
	if client == nil {
		return fmt.Errorf("register %s: nil client", name)
	}
	if _, exists := g.classes[name]; exists {
		return fmt.Errorf("register %s: class already registered", name)
	}
	if cfg.RPS <= 0 {
		return fmt.Errorf("register %s: rps must be > 0", name)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	g.classes[name] = &class{
		name:    name,
		cfg:     cfg,
		client:  client,
		limiter: newLimiter(cfg.RPS, cfg.Burst),
		breaker: newBreaker(string(name), cfg.FailureThreshold, cfg.OpenTimeout, g.logger),
	}
	return nil
}

// Validate checks that every configured fallback class exists.
func (g *Gateway) Validate() error {
	for name, c := range g.classes {
		if c.cfg.Fallback == "" {
			continue
		}
		if c.cfg.Fallback == name {
			return fmt.Errorf("class %s falls back to itself", name)
		}
		if _, ok := g.classes[c.cfg.Fallback]; !ok {
			return fmt.Errorf("class %s: %w %q", name, ErrUnknownClass, c.cfg.Fallback)
		}
	}
	return nil
}

// Invoke calls the agent class with req. timeout bounds the whole invocation
// including retries and any fallback; zero means no bound beyond ctx. It
// never returns an error: callers inspect Succeeded.
func (g *Gateway) Invoke(ctx context.Context, className domain.AgentClass, req agent.Request, timeout time.Duration) domain.AgentCallResult {
	ctx, span := tracer.Start(ctx, "gateway.Invoke", trace.WithAttributes(
		attribute.String("agent.class", string(className)),
		attribute.String("agent.role", string(req.Role)),
		attribute.String("agent.persona", req.Persona.Name),
	))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := g.now()
	c, ok := g.classes[className]
	if !ok {
		err := fmt.Errorf("%w %q", ErrUnknownClass, className)
		span.SetStatus(codes.Error, err.Error())
		return domain.AgentCallResult{Class: className, Err: err}
	}

	req.Class = className
	result := g.invokeClass(ctx, c, req, c.cfg.MaxAttempts)

	if !result.Succeeded && c.cfg.Fallback != "" && ctx.Err() == nil {
		if fb, ok := g.classes[c.cfg.Fallback]; ok {
			g.logger.Warn("Agent class failed, using fallback",
				"agent_class", className,
				"fallback_class", fb.name,
				"role", req.Role,
				"error", result.Err)
			fbReq := req
			fbReq.Class = fb.name
			fbResult := g.invokeClass(ctx, fb, fbReq, 1)
			fbResult.Attempts += result.Attempts
			if fbResult.Succeeded {
				fbResult.Degraded = true
			}
			result = fbResult
		}
	}

	result.LatencyMS = g.now().Sub(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("agent.attempts", result.Attempts),
		attribute.Bool("agent.succeeded", result.Succeeded),
		attribute.Bool("agent.degraded", result.Degraded),
	)
	if !result.Succeeded {
		if result.Err != nil {
			span.RecordError(result.Err)
		}
		span.SetStatus(codes.Error, "agent call failed")
	}
	return result
}

func (g *Gateway) invokeClass(ctx context.Context, c *class, req agent.Request, attempts int) domain.AgentCallResult {
	result := domain.AgentCallResult{Class: c.name}

	if err := req.Validate(); err != nil {
		result.Err = err
		g.record(ctx, c.name, "malformed")
		return result
	}

	var resp *agent.Response
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limit wait: %w", err))
		}
		result.Attempts++

		r, err := c.breaker.execute(func() (*agent.Response, error) {
			attemptCtx := ctx
			if c.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
				defer cancel()
			}
			return c.client.Call(attemptCtx, req)
		})
		switch {
		case err == nil:
			resp = r
			return nil
		case isRejection(err):
			return backoff.Permanent(err)
		case agent.IsTransient(err):
			c.breaker.recordFailure(g.now())
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, delay time.Duration) {
		g.logger.Debug("Agent call failed, retrying",
			"agent_class", c.name,
			"role", req.Role,
			"attempt", result.Attempts,
			"delay", delay,
			"error", err)
	}

	err := backoff.RetryNotify(op, retryPolicy(ctx, attempts, c.cfg.InitialBackoff, c.cfg.MaxBackoff), notify)
	if err != nil {
		result.Err = err
		g.record(ctx, c.name, outcome(err))
		return result
	}

	result.Succeeded = true
	result.Text = resp.Text
	result.Audio = resp.Audio
	g.record(ctx, c.name, "success")
	return result
}

func outcome(err error) string {
	if isRejection(err) {
		return "circuit_open"
	}
	return string(agent.KindOf(err))
}

func (g *Gateway) record(ctx context.Context, name domain.AgentClass, outcome string) {
	g.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_class", string(name)),
		attribute.String("outcome", outcome),
	))
}

// ClassSnapshot is the observable state of one agent class.
type ClassSnapshot struct {
	Class    domain.AgentClass `json:"agent_class"`
	Backend  string            `json:"backend"`
	Fallback domain.AgentClass `json:"fallback,omitempty"`
	Limiter  LimiterSnapshot   `json:"rate_limiter"`
	Breaker  BreakerSnapshot   `json:"circuit_breaker"`
}

// Snapshot returns the state of every class, ordered by name.
func (g *Gateway) Snapshot() []ClassSnapshot {
	now := g.now()
	out := make([]ClassSnapshot, 0, len(g.classes))
	for _, c := range g.classes {
		out = append(out, ClassSnapshot{
			Class:    c.name,
			Backend:  c.client.Name(),
			Fallback: c.cfg.Fallback,
			Limiter:  snapshotLimiter(c.limiter, now),
			Breaker:  c.breaker.snapshot(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// BreakerState returns the circuit state of a class.
func (g *Gateway) BreakerState(name domain.AgentClass) (BreakerState, bool) {
	c, ok := g.classes[name]
	if !ok {
		return "", false
	}
	return c.breaker.state(), true
}
