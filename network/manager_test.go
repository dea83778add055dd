package network

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func dialRaw(t *testing.T, address string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", address, time.Second)
	if err != nil {
		t.Fatalf("raw dial failed: %v", err)
	}
	return conn
}

type capturingHandler struct {
	mu       sync.Mutex
	payloads [][]byte
	peers    []string
}

func (h *capturingHandler) HandleMessage(peerID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = append(h.peers, peerID)
	h.payloads = append(h.payloads, append([]byte(nil), payload...))
}

func (h *capturingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

type testManagerConfig struct {
	deviceID       string
	name           string
	approvePairing func(PairRequest) bool
	onDisconnected func(peerID string)
}

func newTestManager(t *testing.T, cfg testManagerConfig) *Manager {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	manager, err := NewManager(ManagerOptions{
		Identity:           testIdentity(t, cfg.deviceID, cfg.name),
		ListenAddress:      "127.0.0.1:0",
		ApprovePairing:     cfg.approvePairing,
		OnPeerDisconnected: cfg.onDisconnected,
		Logger:             logger,
		PairTimeout:        5 * time.Second,
		ReconnectAttempts:  -1,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = manager.Close()
	})
	return manager
}

func TestManagerPairingAccepted(t *testing.T) {
	a := newTestManager(t, testManagerConfig{deviceID: "peer-a", name: "Peer A"})
	b := newTestManager(t, testManagerConfig{
		deviceID: "peer-b",
		name:     "Peer B",
		approvePairing: func(request PairRequest) bool {
			return request.DeviceID == "peer-a"
		},
	})

	peerID, err := a.Connect(b.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if peerID != "peer-b" {
		t.Fatalf("connected peer id %q, want peer-b", peerID)
	}

	if err := a.Pair("peer-b"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
}

func TestManagerPairingRejected(t *testing.T) {
	a := newTestManager(t, testManagerConfig{deviceID: "peer-a", name: "Peer A"})
	b := newTestManager(t, testManagerConfig{
		deviceID: "peer-b",
		name:     "Peer B",
		approvePairing: func(PairRequest) bool {
			return false
		},
	})

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := a.Pair("peer-b"); err != ErrPairRejected {
		t.Fatalf("expected ErrPairRejected, got %v", err)
	}
}

func TestManagerRoutesSealedPayloadsToHandler(t *testing.T) {
	a := newTestManager(t, testManagerConfig{deviceID: "peer-a", name: "Peer A"})
	b := newTestManager(t, testManagerConfig{deviceID: "peer-b", name: "Peer B"})

	handler := &capturingHandler{}
	b.SetHandler(handler)

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	payload := []byte(`{"type":"file-request","metadata":{"id":"t1"}}`)
	if !a.Send("peer-b", payload) {
		t.Fatalf("Send reported failure")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && handler.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if handler.count() != 1 {
		t.Fatalf("handler saw %d payloads, want 1", handler.count())
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.peers[0] != "peer-a" {
		t.Fatalf("payload attributed to %q, want peer-a", handler.peers[0])
	}
	if !bytes.Equal(handler.payloads[0], payload) {
		t.Fatalf("payload mismatch after sealed transport")
	}
}

func TestManagerSendToUnknownPeerFails(t *testing.T) {
	a := newTestManager(t, testManagerConfig{deviceID: "peer-a", name: "Peer A"})
	if a.Send("ghost", []byte(`{}`)) {
		t.Fatalf("Send to unknown peer must report failure")
	}
}

func TestManagerDisconnectNotifiesAndForgets(t *testing.T) {
	var mu sync.Mutex
	var dropped []string

	a := newTestManager(t, testManagerConfig{deviceID: "peer-a", name: "Peer A"})
	b := newTestManager(t, testManagerConfig{
		deviceID: "peer-b",
		name:     "Peer B",
		onDisconnected: func(peerID string) {
			mu.Lock()
			dropped = append(dropped, peerID)
			mu.Unlock()
		},
	})

	if _, err := a.Connect(b.Addr().String()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Wait until b tracks the inbound connection.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(b.ConnectedPeers()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	a.DisconnectPeer("peer-b")

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(dropped) > 0
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) == 0 || dropped[0] != "peer-a" {
		t.Fatalf("disconnect callback saw %v, want [peer-a]", dropped)
	}
	if a.Send("peer-b", []byte(`{}`)) {
		t.Fatalf("Send after disconnect must report failure")
	}
}
