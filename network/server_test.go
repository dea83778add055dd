package network

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestHandshakeEstablishesSealedChannel(t *testing.T) {
	serverIdentity := testIdentity(t, "server-device", "Server Device")
	clientIdentity := testIdentity(t, "client-device", "Client Device")

	server, err := Listen("127.0.0.1:0", HandshakeOptions{Identity: serverIdentity})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	client, err := Dial(server.Addr().String(), HandshakeOptions{Identity: clientIdentity})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	var accepted *PeerConnection
	select {
	case accepted = <-server.Incoming():
	case <-time.After(5 * time.Second):
		t.Fatalf("server never surfaced the accepted connection")
	}
	defer func() {
		_ = accepted.Close()
	}()

	if accepted.PeerDeviceID() != "client-device" {
		t.Fatalf("server saw peer %q, want client-device", accepted.PeerDeviceID())
	}
	if client.PeerDeviceID() != "server-device" {
		t.Fatalf("client saw peer %q, want server-device", client.PeerDeviceID())
	}

	// Both sides derived the same session key iff sealed payloads round-trip.
	payload := []byte(`{"type":"file-request"}`)
	if err := client.SendSealed(payload); err != nil {
		t.Fatalf("SendSealed failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := accepted.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !frame.Sealed || !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("sealed payload did not round-trip")
	}
}

func TestDialRejectsChangedPeerKey(t *testing.T) {
	serverIdentity := testIdentity(t, "server-device", "Server Device")
	clientIdentity := testIdentity(t, "client-device", "Client Device")

	server, err := Listen("127.0.0.1:0", HandshakeOptions{Identity: serverIdentity})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	// Pin a different key for the server's device id.
	known := map[string]string{"server-device": "bm90LXRoZS1yZWFsLWtleQ=="}
	_, err = Dial(server.Addr().String(), HandshakeOptions{
		Identity:      clientIdentity,
		KnownPeerKeys: known,
	})
	if err == nil {
		t.Fatalf("expected key pinning to reject the handshake")
	}
	if err != ErrKeyChanged && !strings.Contains(err.Error(), "key") {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case pc := <-server.Incoming():
		_ = pc.Close()
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerRejectsUnknownOpening(t *testing.T) {
	serverIdentity := testIdentity(t, "server-device", "Server Device")

	server, err := Listen("127.0.0.1:0", HandshakeOptions{
		Identity:          serverIdentity,
		ConnectionTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	conn := dialRaw(t, server.Addr().String())
	defer func() {
		_ = conn.Close()
	}()

	// Consume the challenge, then answer with the wrong message type.
	if _, err := ReadFrameWithTimeout(conn, time.Second); err != nil {
		t.Fatalf("read challenge failed: %v", err)
	}
	if err := WriteFrame(conn, []byte(`{"type":"ping","from_device_id":"x","timestamp":1}`)); err != nil {
		t.Fatalf("write bogus opening failed: %v", err)
	}

	payload, err := ReadFrameWithTimeout(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("read error response failed: %v", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("decode error response failed: %v", err)
	}
	if msgType != TypeError {
		t.Fatalf("expected error response, got %q", msgType)
	}

	select {
	case <-server.Incoming():
		t.Fatalf("bogus opening must not yield a connection")
	case <-time.After(200 * time.Millisecond):
	}
}
