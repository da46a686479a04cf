package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// generateMethod is the unary RPC served by remote agent workers. Payloads
// are google.protobuf.Struct so workers in any language can serve it without
// shared generated stubs.
const generateMethod = "/improv.agent.v1.AgentService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcClient calls a remote agent worker over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// WaitForReady blocks startup until the worker accepts connections.
	WaitForReady bool
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient creates a new gRPC client to an agent worker.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent client for %s: %w", cfg.Address, err)
	}

	if cfg.WaitForReady {
		connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		defer cancel()
		if err := waitForReady(connectCtx, conn); err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
			}
			return nil, fmt.Errorf("agent worker at %s not ready: %w", cfg.Address, err)
		}
		logger.Info("Connected to agent worker", "address", cfg.Address)
	}

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Client.
func (c *GrpcClient) Name() string { return "grpc:" + c.addr }

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Call implements Client.
func (c *GrpcClient) Call(ctx context.Context, req Request) (*Response, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return nil, NewError(KindMalformed, c.Name(), err)
	}

	start := time.Now()
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, generateMethod, payload, reply); err != nil {
		c.logger.Debug("Agent worker call failed",
			"address", c.addr,
			"role", req.Role,
			"error", err)
		return nil, ClassifyGRPC(c.Name(), err)
	}

	resp, err := decodeResponse(reply)
	if err != nil {
		return nil, NewError(KindUnavailable, c.Name(), err)
	}
	resp.Latency = time.Since(start)
	return resp, nil
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.Context))
	for _, m := range req.Context {
		history = append(history, map[string]any{
			"role":        string(m.Role),
			"content":     m.Content,
			"turn_number": m.TurnNumber,
		})
	}
	fields := map[string]any{
		"session_id": req.SessionID,
		"class":      string(req.Class),
		"role":       string(req.Role),
		"persona": map[string]any{
			"name":        req.Persona.Name,
			"instruction": req.Persona.Instruction,
		},
		"prompt":      req.Prompt,
		"context":     history,
		"max_tokens":  req.MaxTokens,
		"modality":    string(req.Modality),
		"want_audio":  req.WantAudio,
		"sample_rate": req.SampleRate,
	}
	if len(req.Audio) > 0 {
		fields["audio_b64"] = base64.StdEncoding.EncodeToString(req.Audio)
	}
	return structpb.NewStruct(fields)
}

func decodeResponse(reply *structpb.Struct) (*Response, error) {
	fields := reply.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return nil, fmt.Errorf("worker error: %s", msg)
	}
	resp := &Response{Text: fields["text"].GetStringValue()}
	if b64 := fields["audio_b64"].GetStringValue(); b64 != "" {
		audio, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		resp.Audio = audio
	}
	if resp.Text == "" && len(resp.Audio) == 0 {
		return nil, errors.New("empty response")
	}
	return resp, nil
}
