package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/ashureev/improv-stage/internal/config"
	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/gateway"
)

// buildGateway constructs one client per configured agent class and registers
// it with the gateway. The returned func closes any gRPC connections.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, func(), error) {
	gw := gateway.New(logger)

	var grpcClients []*agent.GrpcClient
	closeAll := func() {
		for _, c := range grpcClients {
			c.Close()
		}
	}

	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ac := cfg.Agents[name]
		client, err := newAgentClient(cfg, ac, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("agent class %s: %w", name, err)
		}
		if gc, ok := client.(*agent.GrpcClient); ok {
			grpcClients = append(grpcClients, gc)
		}

		err = gw.Register(domain.AgentClass(name), client, gateway.ClassConfig{
			RPS:              ac.RPS,
			Burst:            ac.Burst,
			FailureThreshold: ac.FailureThreshold,
			OpenTimeout:      ac.OpenTimeout,
			MaxAttempts:      ac.MaxAttempts,
			Timeout:          ac.Timeout,
			Fallback:         domain.AgentClass(ac.Fallback),
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		slog.Info("Agent class registered", "agent_class", name, "backend", client.Name(), "rps", ac.RPS, "fallback", ac.Fallback)
	}

	if err := gw.Validate(); err != nil {
		closeAll()
		return nil, nil, err
	}
	return gw, closeAll, nil
}

func newAgentClient(cfg *config.Config, ac config.AgentClassConfig, logger *slog.Logger) (agent.Client, error) {
	switch ac.Backend {
	case "grpc":
		return agent.NewGrpcClient(agent.DefaultGrpcClientConfig(ac.Addr), logger)
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai backend")
		}
		return agent.NewOpenAIClient(cfg.OpenAIAPIKey, ac.Model), nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic backend")
		}
		return agent.NewAnthropicClient(cfg.AnthropicKey, ac.Model), nil
	case "scripted":
		return agent.NewScriptedClient(0), nil
	}
	return nil, fmt.Errorf("unsupported backend %q", ac.Backend)
}
