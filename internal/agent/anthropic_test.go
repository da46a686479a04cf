package agent

import (
	"context"
	"net/http"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ashureev/improv-stage/internal/domain"
)

func TestAnthropicClientMakesOneRequestPerCall(t *testing.T) {
	srv, hits := countingServer(t, http.StatusServiceUnavailable)
	c := NewAnthropicClient("test-key", "", option.WithBaseURL(srv.URL+"/"))

	_, err := c.Call(context.Background(), Request{Role: domain.RoleCoach, Prompt: "review the scene"})
	if err == nil {
		t.Fatal("Expected an error from a 503 upstream")
	}
	if KindOf(err) != KindUnavailable {
		t.Errorf("Expected kind unavailable, got %s", KindOf(err))
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("Expected exactly 1 upstream request, got %d", got)
	}
}

func TestAnthropicClientRejectsSpokenInput(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)
	c := NewAnthropicClient("test-key", "", option.WithBaseURL(srv.URL+"/"))

	_, err := c.Call(context.Background(), Request{Role: domain.RoleUser, Audio: []byte{0, 0}})
	if KindOf(err) != KindMalformed {
		t.Errorf("Expected malformed, got %v", err)
	}
	if got := hits.Load(); got != 0 {
		t.Errorf("Expected no upstream request, got %d", got)
	}
}
