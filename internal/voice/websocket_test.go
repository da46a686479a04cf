package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/ashureev/improv-stage/internal/ambient"
	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/gateway"
	"github.com/ashureev/improv-stage/internal/mixer"
	"github.com/ashureev/improv-stage/internal/phase"
	"github.com/ashureev/improv-stage/internal/stage"
	"github.com/ashureev/improv-stage/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type fakeStage struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	next     map[string]int
	audio    []byte
	heard    []byte
}

func newFakeStage(ids ...string) *fakeStage {
	f := &fakeStage{sessions: map[string]*domain.Session{}, next: map[string]int{}}
	for _, id := range ids {
		s := domain.NewSession(id, domain.ModalityVoice, 15, time.Now(), time.Hour)
		s.Phase = domain.PhaseSupport
		f.sessions[id] = s
		f.next[id] = 1
	}
	return f
}

func (f *fakeStage) GetSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, stage.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeStage) SubmitTurn(_ context.Context, id string, turn int, input string) (*stage.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return nil, stage.ErrSessionNotFound
	}
	if turn != f.next[id] {
		return nil, &stage.SequenceError{Expected: f.next[id], Got: turn}
	}
	f.next[id]++
	return &stage.TurnResult{
		SessionID:       id,
		TurnNumber:      turn,
		PartnerResponse: "Yes, and " + input,
		Phase:           domain.PhaseSupport,
		SessionPhase:    domain.PhaseSupport,
		Audio:           f.audio,
	}, nil
}

func (f *fakeStage) SubmitAudioTurn(ctx context.Context, id string, turn int, pcm []byte) (*stage.TurnResult, error) {
	if len(pcm)%2 != 0 {
		return nil, stage.ErrInvalidInput
	}
	f.mu.Lock()
	f.heard = append([]byte(nil), pcm...)
	f.mu.Unlock()
	res, err := f.SubmitTurn(ctx, id, turn, "a spoken dragon")
	if err != nil {
		return nil, err
	}
	res.Transcript = "a spoken dragon"
	return res, nil
}

func (f *fakeStage) CloseSession(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, stage.ErrSessionNotFound
	}
	s.Phase = domain.PhaseComplete
	s.CoachFeedback = "Strong offers."
	return s, nil
}

func startServer(t *testing.T, st Stage, conns *ConnManager) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(st, conns, []string{"https://stage.example.com"}, false).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sessionID + "/voice"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame map[string]interface{}
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestTurnFrameReturnsResultAndAudio(t *testing.T) {
	st := newFakeStage("s1")
	st.audio = []byte{0x10, 0x00, 0x20, 0x00}
	srv := startServer(t, st, NewConnManager())
	ws := dial(t, srv, "s1")

	send(t, ws, map[string]interface{}{"type": "turn", "turn_number": 1, "input": "a dragon"})

	frame := readFrame(t, ws)
	if frame["type"] != frameResult {
		t.Fatalf("Expected result frame, got %v", frame)
	}
	if frame["audio_bytes"] != float64(4) {
		t.Errorf("Expected audio_bytes 4, got %v", frame["audio_bytes"])
	}
	result, _ := frame["result"].(map[string]interface{})
	if result["partner_response"] != "Yes, and a dragon" {
		t.Errorf("Unexpected partner response: %v", result["partner_response"])
	}
	if _, ok := result["audio"]; ok {
		t.Error("Expected audio to travel as a binary frame, not inside JSON")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if typ != websocket.MessageBinary || len(data) != 4 {
		t.Errorf("Expected 4-byte binary frame, got type=%v len=%d", typ, len(data))
	}
}

func TestOutOfSequenceTurnReportsExpected(t *testing.T) {
	srv := startServer(t, newFakeStage("s1"), NewConnManager())
	ws := dial(t, srv, "s1")

	send(t, ws, map[string]interface{}{"type": "turn", "turn_number": 3, "input": "skip ahead"})

	frame := readFrame(t, ws)
	if frame["type"] != frameError || frame["code"] != "out_of_sequence" {
		t.Fatalf("Expected out_of_sequence error, got %v", frame)
	}
	if frame["expected_turn"] != float64(1) {
		t.Errorf("Expected expected_turn 1, got %v", frame["expected_turn"])
	}
}

func TestPingAndBadFrames(t *testing.T) {
	srv := startServer(t, newFakeStage("s1"), NewConnManager())
	ws := dial(t, srv, "s1")

	send(t, ws, map[string]string{"type": "ping"})
	if frame := readFrame(t, ws); frame["type"] != framePong {
		t.Errorf("Expected pong, got %v", frame)
	}

	send(t, ws, map[string]string{"type": "juggle"})
	if frame := readFrame(t, ws); frame["code"] != "bad_frame" {
		t.Errorf("Expected bad_frame error, got %v", frame)
	}
}

func TestCloseFrameEndsScene(t *testing.T) {
	conns := NewConnManager()
	srv := startServer(t, newFakeStage("s1"), conns)
	ws := dial(t, srv, "s1")

	send(t, ws, map[string]string{"type": "close"})
	frame := readFrame(t, ws)
	if frame["type"] != frameClosed {
		t.Fatalf("Expected closed frame, got %v", frame)
	}
	session, _ := frame["session"].(map[string]interface{})
	if session["phase"] != string(domain.PhaseComplete) {
		t.Errorf("Expected COMPLETE, got %v", session["phase"])
	}

	deadline := time.Now().Add(2 * time.Second)
	for conns.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if conns.Len() != 0 {
		t.Errorf("Expected connection to be unregistered, got %d", conns.Len())
	}
}

func TestUnknownSessionRejectedBeforeUpgrade(t *testing.T) {
	srv := startServer(t, newFakeStage(), NewConnManager())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/missing/voice"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %v", resp)
	}
}

func TestOriginCheck(t *testing.T) {
	h := NewHandler(newFakeStage(), NewConnManager(), []string{"https://stage.example.com"}, false)

	req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1/voice", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if h.checkOrigin(req) {
		t.Error("Expected foreign origin to be rejected")
	}

	req.Header.Set("Origin", "https://stage.example.com")
	if !h.checkOrigin(req) {
		t.Error("Expected allowed origin to pass")
	}

	dev := NewHandler(newFakeStage(), NewConnManager(), nil, true)
	req.Header.Set("Origin", "https://evil.example.com")
	if !dev.checkOrigin(req) {
		t.Error("Expected development mode to allow any origin")
	}
}

func TestSecondConnectionTakesOver(t *testing.T) {
	conns := NewConnManager()
	srv := startServer(t, newFakeStage("s1"), conns)

	first := dial(t, srv, "s1")
	send(t, first, map[string]string{"type": "ping"})
	readFrame(t, first)

	second := dial(t, srv, "s1")
	send(t, second, map[string]string{"type": "ping"})
	readFrame(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := first.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("Expected first connection closed with policy violation, got %v", err)
	}
}

func sendBinary(t *testing.T, ws *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("write audio: %v", err)
	}
}

func TestSpokenTurnReadsFollowingAudioFrame(t *testing.T) {
	st := newFakeStage("s1")
	srv := startServer(t, st, NewConnManager())
	ws := dial(t, srv, "s1")
	pcm := []byte{0x01, 0x00, 0x02, 0x00}

	send(t, ws, map[string]interface{}{"type": "turn", "turn_number": 1, "audio": true})
	sendBinary(t, ws, pcm)

	frame := readFrame(t, ws)
	if frame["type"] != frameResult {
		t.Fatalf("Expected result frame, got %v", frame)
	}
	result, _ := frame["result"].(map[string]interface{})
	if result["transcript"] != "a spoken dragon" {
		t.Errorf("Unexpected transcript: %v", result["transcript"])
	}
	st.mu.Lock()
	heard := st.heard
	st.mu.Unlock()
	if string(heard) != string(pcm) {
		t.Errorf("Expected stage to receive the audio frame, got %v", heard)
	}
}

func TestAudioFrameErrors(t *testing.T) {
	srv := startServer(t, newFakeStage("s1"), NewConnManager())
	ws := dial(t, srv, "s1")

	sendBinary(t, ws, []byte{0, 0})
	if frame := readFrame(t, ws); frame["code"] != "bad_frame" {
		t.Errorf("Expected bad_frame for unannounced audio, got %v", frame)
	}

	send(t, ws, map[string]interface{}{"type": "turn", "turn_number": 1, "audio": true})
	send(t, ws, map[string]string{"type": "ping"})
	if frame := readFrame(t, ws); frame["code"] != "bad_frame" {
		t.Errorf("Expected bad_frame when audio is missing, got %v", frame)
	}
	if frame := readFrame(t, ws); frame["type"] != framePong {
		t.Errorf("Expected the text frame to be handled after the error, got %v", frame)
	}

	send(t, ws, map[string]interface{}{"type": "turn", "turn_number": 1, "audio": true})
	sendBinary(t, ws, []byte{1, 2, 3})
	if frame := readFrame(t, ws); frame["code"] != "invalid_input" {
		t.Errorf("Expected invalid_input for odd-length PCM, got %v", frame)
	}
}

func TestSpokenTurnCommitsThroughStage(t *testing.T) {
	gw := gateway.New(nil)
	scripted := agent.NewScriptedClient(0)
	for _, class := range []domain.AgentClass{domain.AgentClassFast, domain.AgentClassHeavy} {
		if err := gw.Register(class, scripted, gateway.ClassConfig{
			RPS:              100,
			Burst:            100,
			FailureThreshold: 5,
			OpenTimeout:      time.Second,
			MaxAttempts:      1,
			Timeout:          time.Second,
		}); err != nil {
			t.Fatalf("register %s: %v", class, err)
		}
	}
	mgr := stage.NewManager(store.NewMemory(), gw, phase.Default(),
		ambient.NewRegistry(ambient.DefaultEngine(), nil), stage.DefaultConfig(), nil)

	created, err := mgr.CreateSession(context.Background(), stage.CreateOptions{Modality: domain.ModalityVoice})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	srv := startServer(t, mgr, NewConnManager())
	ws := dial(t, srv, created.Session.ID)

	pcm := mixer.EncodePCM16([]int16{500, -500, 1000, -1000, 500, -500})
	send(t, ws, map[string]interface{}{"type": "turn", "turn_number": 1, "audio": true})
	sendBinary(t, ws, pcm)

	frame := readFrame(t, ws)
	if frame["type"] != frameResult {
		t.Fatalf("Expected result frame, got %v", frame)
	}
	result, _ := frame["result"].(map[string]interface{})
	if result["transcript"] != agent.ScriptedTranscript {
		t.Errorf("Expected scripted transcript, got %v", result["transcript"])
	}
	if result["turn_number"] != float64(1) {
		t.Errorf("Expected turn 1, got %v", result["turn_number"])
	}
	if n, _ := frame["audio_bytes"].(float64); n <= 0 {
		t.Fatalf("Expected partner audio, got audio_bytes=%v", frame["audio_bytes"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if typ != websocket.MessageBinary || len(data)%2 != 0 {
		t.Errorf("Expected PCM16 binary frame, got type=%v len=%d", typ, len(data))
	}

	sess, err := mgr.GetSession(context.Background(), created.Session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.TurnCount != 1 {
		t.Errorf("Expected 1 committed turn, got %d", sess.TurnCount)
	}
}
