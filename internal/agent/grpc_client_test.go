package agent

import (
	"context"
	"encoding/base64"
	"net"
	"testing"

	"github.com/ashureev/improv-stage/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// startWorker serves generateMethod with handle on a loopback listener.
func startWorker(t *testing.T, handle func(*structpb.Struct) (*structpb.Struct, error)) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != generateMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		reply, err := handle(req)
		if err != nil {
			return err
		}
		return stream.SendMsg(reply)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func newTestGrpcClient(t *testing.T, addr string) *GrpcClient {
	t.Helper()
	cfg := DefaultGrpcClientConfig(addr)
	cfg.WaitForReady = true
	c, err := NewGrpcClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewGrpcClient failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestGrpcClientCall(t *testing.T) {
	audio := []byte{1, 0, 2, 0}
	var got *structpb.Struct
	addr := startWorker(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		got = req
		return structpb.NewStruct(map[string]any{
			"text":      "Yes, and the boat is sinking!",
			"audio_b64": base64.StdEncoding.EncodeToString(audio),
		})
	})
	c := newTestGrpcClient(t, addr)

	resp, err := c.Call(context.Background(), Request{
		SessionID: "s1",
		Class:     domain.AgentClassFast,
		Role:      domain.RolePartner,
		Persona:   Persona{Name: "supportive"},
		Prompt:    "we're on a boat",
		Context:   []domain.Message{{Role: domain.RoleUser, Content: "hi", TurnNumber: 1}},
		WantAudio: true,
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Text != "Yes, and the boat is sinking!" {
		t.Errorf("Unexpected text %q", resp.Text)
	}
	if string(resp.Audio) != string(audio) {
		t.Errorf("Unexpected audio %v", resp.Audio)
	}

	fields := got.GetFields()
	if fields["role"].GetStringValue() != "partner" {
		t.Errorf("Expected role partner, got %v", fields["role"])
	}
	if fields["persona"].GetStructValue().GetFields()["name"].GetStringValue() != "supportive" {
		t.Errorf("Expected persona to be sent, got %v", fields["persona"])
	}
	if n := len(fields["context"].GetListValue().GetValues()); n != 1 {
		t.Errorf("Expected 1 context message, got %d", n)
	}
}

func TestGrpcClientClassifiesStatus(t *testing.T) {
	addr := startWorker(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.ResourceExhausted, "slow down")
	})
	c := newTestGrpcClient(t, addr)

	_, err := c.Call(context.Background(), Request{Role: domain.RoleRoom, Prompt: "x"})
	if KindOf(err) != KindOverloaded {
		t.Errorf("Expected overloaded, got %v", err)
	}
}

func TestGrpcClientEmptyReply(t *testing.T) {
	addr := startWorker(t, func(*structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"error": "model crashed"})
	})
	c := newTestGrpcClient(t, addr)

	_, err := c.Call(context.Background(), Request{Role: domain.RoleRoom, Prompt: "x"})
	if !IsTransient(err) {
		t.Errorf("Expected transient worker error, got %v", err)
	}
}

func TestGrpcClientSendsSpokenInput(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	var got *structpb.Struct
	addr := startWorker(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		got = req
		return structpb.NewStruct(map[string]any{"text": "we're on a boat"})
	})
	c := newTestGrpcClient(t, addr)

	resp, err := c.Call(context.Background(), Request{Role: domain.RoleUser, Audio: pcm, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Text != "we're on a boat" {
		t.Errorf("Unexpected transcript %q", resp.Text)
	}
	b64 := got.GetFields()["audio_b64"].GetStringValue()
	if b64 != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("Expected audio to be sent base64 encoded, got %q", b64)
	}
}
