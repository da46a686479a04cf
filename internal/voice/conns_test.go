package voice

import (
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

func TestConnManager_Register(t *testing.T) {
	cm := NewConnManager()
	conn := &websocket.Conn{}

	cm.Register("s1", conn)

	if active := cm.GetActive("s1"); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
}

func TestConnManager_Unregister(t *testing.T) {
	cm := NewConnManager()
	conn := &websocket.Conn{}

	cm.Register("s1", conn)
	cm.Unregister("s1", conn)

	if active := cm.GetActive("s1"); active != nil {
		t.Errorf("Expected nil connection, got %v", active)
	}
	if cm.Len() != 0 {
		t.Errorf("Expected no live connections, got %d", cm.Len())
	}
}

func TestConnManager_UnregisterStale(t *testing.T) {
	cm := NewConnManager()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	cm.Register("s1", conn1)
	cm.Register("s2", conn2)

	// A stale unregister for a different connection must not evict s2.
	cm.Unregister("s2", conn1)

	if active := cm.GetActive("s2"); active != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, active)
	}
}

func TestConnManager_CloseSessionUnknown(t *testing.T) {
	cm := NewConnManager()
	cm.CloseSession("missing")
	if cm.Len() != 0 {
		t.Errorf("Expected no live connections, got %d", cm.Len())
	}
}

func TestConnManager_ConcurrentAccess(t *testing.T) {
	cm := NewConnManager()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			cm.Register("s-"+strconv.Itoa(i), &websocket.Conn{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			cm.GetActive("s-" + strconv.Itoa(i))
		}
	}()
	wg.Wait()

	if cm.Len() != 1000 {
		t.Errorf("Expected 1000 live connections, got %d", cm.Len())
	}
}
