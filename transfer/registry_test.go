package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// testHub wires registries together in memory. Delivery is synchronous. The
// filter models lossy links: returning false swallows the payload while Send
// still reports success. detach models a dead link: Send starts failing.
type testHub struct {
	mu         sync.Mutex
	registries map[string]*Registry
	filter     func(from, to string, payload []byte) bool
}

func newTestHub() *testHub {
	return &testHub{registries: make(map[string]*Registry)}
}

func (h *testHub) attach(id string, r *Registry) {
	h.mu.Lock()
	h.registries[id] = r
	h.mu.Unlock()
}

func (h *testHub) detach(id string) {
	h.mu.Lock()
	delete(h.registries, id)
	h.mu.Unlock()
}

func (h *testHub) setFilter(filter func(from, to string, payload []byte) bool) {
	h.mu.Lock()
	h.filter = filter
	h.mu.Unlock()
}

// hubTransport is one endpoint's view of the hub.
type hubTransport struct {
	hub  *testHub
	self string
}

func (t *hubTransport) Send(peerID string, payload []byte) bool {
	t.hub.mu.Lock()
	target := t.hub.registries[peerID]
	filter := t.hub.filter
	t.hub.mu.Unlock()

	if target == nil {
		return false
	}
	if filter != nil && !filter(t.self, peerID, payload) {
		return true
	}
	target.HandleMessage(t.self, payload)
	return true
}

// testEndpoint bundles a registry with captured callbacks and sinks.
type testEndpoint struct {
	id       string
	registry *Registry

	mu       sync.Mutex
	records  map[string][]TransferRecord
	requests []FileMetadata
	sinks    map[string]*MemorySink
}

type endpointConfig struct {
	chunkSize   int
	adaptive    bool
	useFEC      bool
	parityRatio float64
	maxFileSize int64
	autoAccept  bool
	autoReject  bool
}

func newTestEndpoint(t *testing.T, hub *testHub, id string, cfg endpointConfig) *testEndpoint {
	t.Helper()

	ep := &testEndpoint{
		id:      id,
		records: make(map[string][]TransferRecord),
		sinks:   make(map[string]*MemorySink),
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	registry, err := NewRegistry(RegistryOptions{
		SelfID:           id,
		SelfName:         "Endpoint " + id,
		Transport:        &hubTransport{hub: hub, self: id},
		ChunkSize:        cfg.chunkSize,
		AdaptiveChunking: cfg.adaptive,
		UseFEC:           cfg.useFEC,
		FECParityRatio:   cfg.parityRatio,
		MaxFileSize:      cfg.maxFileSize,
		Logger:           logger,
		CreateSink: func(meta FileMetadata, fromPeer string) (FileSink, error) {
			sink := NewMemorySink(meta.Size)
			ep.mu.Lock()
			ep.sinks[meta.ID] = sink
			ep.mu.Unlock()
			return sink, nil
		},
		OnTransferUpdate: func(record TransferRecord) {
			ep.mu.Lock()
			ep.records[record.ID] = append(ep.records[record.ID], record)
			ep.mu.Unlock()
		},
		OnTransferRequest: func(peerID string, meta FileMetadata) {
			ep.mu.Lock()
			ep.requests = append(ep.requests, meta)
			ep.mu.Unlock()
			if cfg.autoAccept {
				go func() {
					if err := ep.registry.AcceptFileTransfer(peerID, meta); err != nil {
						t.Errorf("accept failed: %v", err)
					}
				}()
			}
			if cfg.autoReject {
				go func() {
					_ = ep.registry.RejectFileTransfer(peerID, meta, "not now")
				}()
			}
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	ep.registry = registry
	hub.attach(id, registry)
	return ep
}

func (ep *testEndpoint) status(transferID string) (Status, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	history := ep.records[transferID]
	if len(history) == 0 {
		return "", false
	}
	return history[len(history)-1].Status, true
}

func (ep *testEndpoint) history(transferID string) []TransferRecord {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]TransferRecord(nil), ep.records[transferID]...)
}

func (ep *testEndpoint) sink(transferID string) *MemorySink {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.sinks[transferID]
}

func waitForStatus(t *testing.T, ep *testEndpoint, transferID string, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if status, ok := ep.status(transferID); ok && status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := ep.status(transferID)
	t.Fatalf("endpoint %s: transfer %s never reached %s (last: %s)", ep.id, transferID, want, status)
}

func connectPair(a, b *testEndpoint) {
	a.registry.Connect(b.id)
	b.registry.Connect(a.id)
}

func countDataChunks(payload []byte) (isChunk, isParity bool) {
	var msg FileChunkMessage
	if json.Unmarshal(payload, &msg) != nil || msg.Type != KindFileChunk {
		return false, false
	}
	return true, msg.IsParityChunk
}

func TestTransferCompletesWithoutFEC(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 1024 * 1024})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 1024 * 1024, autoAccept: true})
	connectPair(a, b)

	var mu sync.Mutex
	dataChunks := 0
	hub.setFilter(func(from, to string, payload []byte) bool {
		if isChunk, isParity := countDataChunks(payload); isChunk && !isParity {
			mu.Lock()
			dataChunks++
			mu.Unlock()
		}
		return true
	})

	data := fixtureBytes(10 * 1024 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	waitForStatus(t, a, meta.ID, StatusCompleted, 10*time.Second)
	waitForStatus(t, b, meta.ID, StatusCompleted, 10*time.Second)

	mu.Lock()
	got := dataChunks
	mu.Unlock()
	if got != 10 {
		t.Fatalf("expected 10 data chunks for 10MB at 1MiB, got %d", got)
	}

	sink := b.sink(meta.ID)
	if sink == nil {
		t.Fatal("receiver sink missing")
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatal("received bytes differ from source")
	}

	want := sha256.Sum256(data)
	for _, record := range b.history(meta.ID) {
		if record.Status == StatusCompleted && record.Checksum != hex.EncodeToString(want[:]) {
			t.Fatalf("completed record carries wrong checksum: %s", record.Checksum)
		}
	}
}

func TestTransferRecoversFromDroppedChunk(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 512 * 1024, useFEC: true, parityRatio: 0.2})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 512 * 1024, autoAccept: true})
	connectPair(a, b)

	var mu sync.Mutex
	seen := 0
	hub.setFilter(func(from, to string, payload []byte) bool {
		isChunk, isParity := countDataChunks(payload)
		if !isChunk || isParity {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		// Swallow the third data chunk; parity must cover it.
		return seen != 3
	})

	data := fixtureBytes(5 * 1024 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	waitForStatus(t, b, meta.ID, StatusCompleted, 10*time.Second)

	sink := b.sink(meta.ID)
	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatal("reconstructed bytes differ from source")
	}
}

func TestTwoLossesInBlockYieldIntegrityError(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 256 * 1024, useFEC: true, parityRatio: 0.2})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 256 * 1024, autoAccept: true})
	connectPair(a, b)

	var mu sync.Mutex
	seen := 0
	hub.setFilter(func(from, to string, payload []byte) bool {
		isChunk, isParity := countDataChunks(payload)
		if !isChunk || isParity {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		// Two losses inside the first five-chunk block exceed its parity.
		return seen != 2 && seen != 3
	})

	data := fixtureBytes(2 * 1024 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	waitForStatus(t, b, meta.ID, StatusIntegrityError, 10*time.Second)
	waitForStatus(t, a, meta.ID, StatusCompleted, 10*time.Second)
}

func TestTransportFailureFailsSender(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 256 * 1024})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 256 * 1024, autoAccept: true})
	connectPair(a, b)

	var mu sync.Mutex
	seen := 0
	hub.setFilter(func(from, to string, payload []byte) bool {
		isChunk, _ := countDataChunks(payload)
		if !isChunk {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == 3 {
			// Sever the link after the third chunk.
			hub.detach("peer-b")
		}
		return true
	})

	data := fixtureBytes(4 * 1024 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	waitForStatus(t, a, meta.ID, StatusFailed, 10*time.Second)
}

func TestDisconnectFailsActiveSessions(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 256 * 1024})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 256 * 1024})
	connectPair(a, b)

	// Hold all streaming traffic so the receiving session stays open.
	hub.setFilter(func(from, to string, payload []byte) bool {
		var envelope Envelope
		if json.Unmarshal(payload, &envelope) != nil {
			return true
		}
		return envelope.Type != KindFileChunk && envelope.Type != KindFileComplete
	})

	data := fixtureBytes(1024 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}
	if err := b.registry.AcceptFileTransfer("peer-a", *meta); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	b.registry.Disconnect("peer-a")
	waitForStatus(t, b, meta.ID, StatusFailed, 5*time.Second)
}

func TestDisconnectDropsPendingOffer(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 256 * 1024})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 256 * 1024})
	connectPair(a, b)

	data := fixtureBytes(512 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	a.registry.Disconnect("peer-b")
	waitForStatus(t, a, meta.ID, StatusFailed, 5*time.Second)
}

func TestRejectedOfferSurfacesAsRejected(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 256 * 1024})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 256 * 1024, autoReject: true})
	connectPair(a, b)

	data := fixtureBytes(512 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	waitForStatus(t, a, meta.ID, StatusRejected, 5*time.Second)
}

func TestOversizeRequestRejected(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 256 * 1024})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 256 * 1024, maxFileSize: 1024})
	connectPair(a, b)

	data := fixtureBytes(512 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "big.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	waitForStatus(t, a, meta.ID, StatusRejected, 5*time.Second)

	b.mu.Lock()
	requested := len(b.requests)
	b.mu.Unlock()
	if requested != 0 {
		t.Fatal("oversize offer must not reach the approval callback")
	}
}

func TestDuplicateTransferIDRejected(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 256 * 1024})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 256 * 1024})
	connectPair(a, b)

	meta := FileMetadata{ID: "fixed-id", Name: "dup.bin", Size: 1024}
	if err := b.registry.AcceptFileTransfer("peer-a", meta); err != nil {
		t.Fatalf("first accept failed: %v", err)
	}
	if err := b.registry.AcceptFileTransfer("peer-a", meta); !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("second accept: want ErrDuplicateTransfer, got %v", err)
	}

	// A duplicate inbound offer for an active id is answered with a reject.
	payload, err := EncodeMessage(&FileRequestMessage{
		Type:     KindFileRequest,
		Metadata: meta,
		From:     PeerInfo{ID: "peer-a"},
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var mu sync.Mutex
	var rejects []string
	hub.setFilter(func(from, to string, raw []byte) bool {
		var msg FileRejectMessage
		if json.Unmarshal(raw, &msg) == nil && msg.Type == KindFileReject {
			mu.Lock()
			rejects = append(rejects, msg.Reason)
			mu.Unlock()
		}
		return true
	})
	b.registry.HandleMessage("peer-a", payload)

	mu.Lock()
	defer mu.Unlock()
	if len(rejects) != 1 || rejects[0] != "duplicate transfer id" {
		t.Fatalf("expected one duplicate-id reject, got %v", rejects)
	}

	b.mu.Lock()
	requested := len(b.requests)
	b.mu.Unlock()
	if requested != 0 {
		t.Fatal("duplicate offer must not reach the approval callback")
	}
}

func TestCancelStopsChunkEmission(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 64 * 1024})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 64 * 1024, autoAccept: true})
	connectPair(a, b)

	var mu sync.Mutex
	seen := 0
	var transferID string
	hub.setFilter(func(from, to string, payload []byte) bool {
		isChunk, _ := countDataChunks(payload)
		if !isChunk {
			return true
		}
		mu.Lock()
		seen++
		trigger := seen == 3
		id := transferID
		mu.Unlock()
		if trigger {
			if err := a.registry.CancelTransfer(id); err != nil {
				t.Errorf("cancel failed: %v", err)
			}
		}
		return true
	})

	data := fixtureBytes(2 * 1024 * 1024)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}
	mu.Lock()
	transferID = meta.ID
	mu.Unlock()

	waitForStatus(t, a, meta.ID, StatusFailed, 5*time.Second)

	mu.Lock()
	sent := seen
	mu.Unlock()
	if sent >= 32 {
		t.Fatalf("cancel did not stop chunk emission: %d chunks sent", sent)
	}
}

func TestCancelUnknownTransfer(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 64 * 1024})

	if err := a.registry.CancelTransfer("nope"); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("want ErrUnknownTransfer, got %v", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 128 * 1024, useFEC: true, parityRatio: 0.25})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 128 * 1024, autoAccept: true})
	connectPair(a, b)

	data := fixtureBytes(3*1024*1024 + 55)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	waitForStatus(t, b, meta.ID, StatusCompleted, 10*time.Second)

	for _, ep := range []*testEndpoint{a, b} {
		last := -1.0
		for _, record := range ep.history(meta.ID) {
			if record.Progress < last {
				t.Fatalf("endpoint %s: progress went backwards: %f after %f", ep.id, record.Progress, last)
			}
			last = record.Progress
		}
		if last != 100 {
			t.Fatalf("endpoint %s: final progress %f, want 100", ep.id, last)
		}
	}
}

func TestUnknownAndMalformedMessagesAreDropped(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 64 * 1024})
	a.registry.Connect("peer-b")

	a.registry.HandleMessage("peer-b", []byte(`{"type":"file-telepathy"}`))
	a.registry.HandleMessage("peer-b", []byte(`not json at all`))
	a.registry.HandleMessage("peer-b", []byte(`{"no":"type"}`))
	a.registry.HandleMessage("peer-b", []byte(`{"type":"file-chunk","transfer_id":"ghost"}`))

	if transfers := a.registry.ActiveTransfers(); len(transfers) != 0 {
		t.Fatalf("stray messages created sessions: %v", transfers)
	}
}

func TestSendFileRequestRequiresConnection(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 64 * 1024})

	_, err := a.registry.SendFileRequest("peer-b", NewBytesSource(fixtureBytes(16)), "x.bin", "")
	if !errors.Is(err, ErrPeerNotConnected) {
		t.Fatalf("want ErrPeerNotConnected, got %v", err)
	}
}

func TestAdaptiveTransferStillCompletes(t *testing.T) {
	hub := newTestHub()
	a := newTestEndpoint(t, hub, "peer-a", endpointConfig{chunkSize: 128 * 1024, adaptive: true, useFEC: true, parityRatio: 0.2})
	b := newTestEndpoint(t, hub, "peer-b", endpointConfig{chunkSize: 128 * 1024, autoAccept: true})
	connectPair(a, b)

	data := fixtureBytes(6*1024*1024 + 17)
	meta, err := a.registry.SendFileRequest("peer-b", NewBytesSource(data), "sample.bin", "")
	if err != nil {
		t.Fatalf("SendFileRequest failed: %v", err)
	}

	waitForStatus(t, b, meta.ID, StatusCompleted, 15*time.Second)

	sink := b.sink(meta.ID)
	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatal("received bytes differ from source")
	}
}
