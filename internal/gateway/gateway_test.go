package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient fails with the queued errors in order, then succeeds.
type fakeClient struct {
	mu    sync.Mutex
	name  string
	errs  []error
	calls int
	text  string
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Call(_ context.Context, req agent.Request) (*agent.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	text := f.text
	if text == "" {
		text = "ok:" + string(req.Class)
	}
	return &agent.Response{Text: text, Audio: []byte{1, 0}}, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) fail(n int, kind agent.Kind) *fakeClient {
	for i := 0; i < n; i++ {
		f.errs = append(f.errs, agent.NewError(kind, f.name, errors.New("boom")))
	}
	return f
}

// hangingClient blocks every call until its context is done.
type hangingClient struct {
	mu    sync.Mutex
	calls int
}

func (h *hangingClient) Name() string { return "hanging" }

func (h *hangingClient) Call(ctx context.Context, _ agent.Request) (*agent.Response, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hangingClient) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func testClassConfig() ClassConfig {
	return ClassConfig{
		RPS:              1000,
		Burst:            100,
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		MaxAttempts:      3,
		Timeout:          time.Second,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
	}
}

func partnerRequest() agent.Request {
	return agent.Request{Role: domain.RolePartner, Prompt: "we're on a boat"}
}

func newGateway(t *testing.T, name domain.AgentClass, client agent.Client, cfg ClassConfig) *Gateway {
	t.Helper()
	g := New(nil)
	require.NoError(t, g.Register(name, client, cfg))
	return g
}

func TestInvokeSuccess(t *testing.T) {
	client := &fakeClient{name: "fake", text: "Yes, and!"}
	g := newGateway(t, domain.AgentClassFast, client, testClassConfig())

	res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)

	assert.True(t, res.Succeeded)
	assert.False(t, res.Degraded)
	assert.Equal(t, "Yes, and!", res.Text)
	assert.True(t, res.HasAudio())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, domain.AgentClassFast, res.Class)
	assert.NoError(t, res.Err)
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	client := (&fakeClient{name: "fake"}).fail(2, agent.KindUnavailable)
	g := newGateway(t, domain.AgentClassFast, client, testClassConfig())

	res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)

	require.True(t, res.Succeeded)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, client.callCount())
}

func TestInvokeGivesUpAfterMaxAttempts(t *testing.T) {
	client := (&fakeClient{name: "fake"}).fail(5, agent.KindTimeout)
	cfg := testClassConfig()
	cfg.FailureThreshold = 10
	g := newGateway(t, domain.AgentClassFast, client, cfg)

	res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)

	assert.False(t, res.Succeeded)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, agent.KindTimeout, agent.KindOf(res.Err))
}

func TestInvokeDoesNotRetryMalformed(t *testing.T) {
	client := (&fakeClient{name: "fake"}).fail(1, agent.KindMalformed)
	cfg := testClassConfig()
	cfg.FailureThreshold = 1
	g := newGateway(t, domain.AgentClassFast, client, cfg)

	res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)

	assert.False(t, res.Succeeded)
	assert.Equal(t, 1, client.callCount())
	state, _ := g.BreakerState(domain.AgentClassFast)
	assert.Equal(t, BreakerClosed, state, "malformed requests must not trip the breaker")
}

func TestInvokeRejectsInvalidRequestWithoutCalling(t *testing.T) {
	client := &fakeClient{name: "fake"}
	g := newGateway(t, domain.AgentClassFast, client, testClassConfig())

	res := g.Invoke(context.Background(), domain.AgentClassFast, agent.Request{Role: domain.RolePartner}, time.Second)

	assert.False(t, res.Succeeded)
	assert.Equal(t, 0, client.callCount())
	assert.Equal(t, agent.KindMalformed, agent.KindOf(res.Err))
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	client := (&fakeClient{name: "fake"}).fail(10, agent.KindUnavailable)
	cfg := testClassConfig()
	cfg.MaxAttempts = 1
	g := newGateway(t, domain.AgentClassFast, client, cfg)

	for i := 0; i < 3; i++ {
		res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)
		require.False(t, res.Succeeded)
	}
	state, _ := g.BreakerState(domain.AgentClassFast)
	require.Equal(t, BreakerOpen, state)

	res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)
	assert.False(t, res.Succeeded)
	assert.Equal(t, 3, client.callCount(), "open breaker must not attempt the network call")

	snap := g.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, BreakerOpen, snap[0].Breaker.State)
	assert.NotNil(t, snap[0].Breaker.LastFailureAt)
	assert.False(t, snap[0].Limiter.ObservedAt.IsZero())
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	client := (&fakeClient{name: "fake"}).fail(3, agent.KindOverloaded)
	cfg := testClassConfig()
	cfg.MaxAttempts = 1
	cfg.OpenTimeout = 20 * time.Millisecond
	g := newGateway(t, domain.AgentClassFast, client, cfg)

	for i := 0; i < 3; i++ {
		g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)
	}
	state, _ := g.BreakerState(domain.AgentClassFast)
	require.Equal(t, BreakerOpen, state)

	time.Sleep(30 * time.Millisecond)
	state, _ = g.BreakerState(domain.AgentClassFast)
	require.Equal(t, BreakerHalfOpen, state)

	res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)
	assert.True(t, res.Succeeded)
	state, _ = g.BreakerState(domain.AgentClassFast)
	assert.Equal(t, BreakerClosed, state)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	client := (&fakeClient{name: "fake"}).fail(4, agent.KindUnavailable)
	cfg := testClassConfig()
	cfg.MaxAttempts = 1
	cfg.OpenTimeout = 20 * time.Millisecond
	g := newGateway(t, domain.AgentClassFast, client, cfg)

	for i := 0; i < 3; i++ {
		g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)
	}
	time.Sleep(30 * time.Millisecond)

	res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second)
	assert.False(t, res.Succeeded)
	state, _ := g.BreakerState(domain.AgentClassFast)
	assert.Equal(t, BreakerOpen, state)
}

func TestInvokeFallsBackAndMarksDegraded(t *testing.T) {
	heavy := (&fakeClient{name: "heavy"}).fail(10, agent.KindUnavailable)
	fast := &fakeClient{name: "fast", text: "quick take"}

	heavyCfg := testClassConfig()
	heavyCfg.MaxAttempts = 2
	heavyCfg.Fallback = domain.AgentClassFast

	g := New(nil)
	require.NoError(t, g.Register(domain.AgentClassHeavy, heavy, heavyCfg))
	require.NoError(t, g.Register(domain.AgentClassFast, fast, testClassConfig()))
	require.NoError(t, g.Validate())

	res := g.Invoke(context.Background(), domain.AgentClassHeavy,
		agent.Request{Role: domain.RoleCoach, Prompt: "analyse"}, time.Second)

	assert.True(t, res.Succeeded)
	assert.True(t, res.Degraded)
	assert.Equal(t, domain.AgentClassFast, res.Class)
	assert.Equal(t, "quick take", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, fast.callCount())
}

func TestInvokeRateLimitSuspendsCaller(t *testing.T) {
	client := &fakeClient{name: "fake"}
	cfg := testClassConfig()
	cfg.RPS = 20
	cfg.Burst = 1
	g := newGateway(t, domain.AgentClassHeavy, client, cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		res := g.Invoke(context.Background(), domain.AgentClassHeavy, partnerRequest(), time.Second)
		require.True(t, res.Succeeded)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond,
		"third call should wait for two refills at 20 tokens/s")
}

func TestInvokeRateLimitRespectsDeadline(t *testing.T) {
	client := &fakeClient{name: "fake"}
	cfg := testClassConfig()
	cfg.RPS = 0.1
	cfg.Burst = 1
	g := newGateway(t, domain.AgentClassHeavy, client, cfg)

	require.True(t, g.Invoke(context.Background(), domain.AgentClassHeavy, partnerRequest(), time.Second).Succeeded)

	res := g.Invoke(context.Background(), domain.AgentClassHeavy, partnerRequest(), 50*time.Millisecond)
	assert.False(t, res.Succeeded)
	assert.Equal(t, 1, client.callCount())
}

func TestInvokeUnknownClass(t *testing.T) {
	g := New(nil)
	res := g.Invoke(context.Background(), domain.AgentClass("medium"), partnerRequest(), time.Second)
	assert.False(t, res.Succeeded)
	assert.ErrorIs(t, res.Err, ErrUnknownClass)
}

func TestRegisterAndValidate(t *testing.T) {
	g := New(nil)
	cfg := testClassConfig()
	cfg.Fallback = "missing"
	require.NoError(t, g.Register(domain.AgentClassHeavy, &fakeClient{name: "x"}, cfg))
	assert.Error(t, g.Register(domain.AgentClassHeavy, &fakeClient{name: "x"}, cfg))
	assert.ErrorIs(t, g.Validate(), ErrUnknownClass)

	bad := testClassConfig()
	bad.RPS = 0
	assert.Error(t, g.Register(domain.AgentClassFast, &fakeClient{name: "x"}, bad))
}

func TestClassesAreIndependent(t *testing.T) {
	heavy := (&fakeClient{name: "heavy"}).fail(10, agent.KindUnavailable)
	fast := &fakeClient{name: "fast"}
	cfg := testClassConfig()
	cfg.MaxAttempts = 1

	g := New(nil)
	require.NoError(t, g.Register(domain.AgentClassHeavy, heavy, cfg))
	require.NoError(t, g.Register(domain.AgentClassFast, fast, cfg))

	for i := 0; i < 3; i++ {
		g.Invoke(context.Background(), domain.AgentClassHeavy, partnerRequest(), time.Second)
	}
	heavyState, _ := g.BreakerState(domain.AgentClassHeavy)
	fastState, _ := g.BreakerState(domain.AgentClassFast)
	assert.Equal(t, BreakerOpen, heavyState)
	assert.Equal(t, BreakerClosed, fastState)
	assert.True(t, g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), time.Second).Succeeded)
}

func TestInvokeBoundsEachAttemptByClassTimeout(t *testing.T) {
	client := &hangingClient{}
	cfg := testClassConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.FailureThreshold = 2
	g := newGateway(t, domain.AgentClassFast, client, cfg)

	start := time.Now()
	res := g.Invoke(context.Background(), domain.AgentClassFast, partnerRequest(), 2*time.Second)
	elapsed := time.Since(start)

	assert.False(t, res.Succeeded)
	assert.True(t, isRejection(res.Err), "last attempt should be refused by the breaker, got %v", res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, client.callCount(), "third attempt must be rejected by the open breaker")
	state, _ := g.BreakerState(domain.AgentClassFast)
	assert.Equal(t, BreakerOpen, state)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.GreaterOrEqual(t, res.Latency(), 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "a hanging agent must not hold the caller past its attempt timeouts")
}
