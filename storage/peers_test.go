package storage

import (
	"strings"
	"testing"
)

func TestAddAndGetPeerRoundTrip(t *testing.T) {
	store := newTestStore(t)

	endpoint := "192.168.1.20:53217"
	lastSeen := nowUnixMilli()
	err := store.AddPeer(Peer{
		DeviceID:          "peer-1",
		DeviceName:        "Workstation",
		Ed25519PublicKey:  "base64-public-key-peer-1",
		KeyFingerprint:    "fingerprint-peer-1",
		Status:            PeerStatusOnline,
		AddedTimestamp:    lastSeen,
		LastSeenTimestamp: &lastSeen,
		Endpoint:          &endpoint,
	})
	if err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	peer, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.DeviceName != "Workstation" {
		t.Fatalf("device name %q, want Workstation", peer.DeviceName)
	}
	if peer.Status != PeerStatusOnline {
		t.Fatalf("status %q, want online", peer.Status)
	}
	if peer.Endpoint == nil || *peer.Endpoint != endpoint {
		t.Fatalf("endpoint %v, want %q", peer.Endpoint, endpoint)
	}
	if peer.LastSeenTimestamp == nil || *peer.LastSeenTimestamp != lastSeen {
		t.Fatalf("last seen %v, want %d", peer.LastSeenTimestamp, lastSeen)
	}
}

func TestPeerNameAndEndpointAreSealedOnDisk(t *testing.T) {
	store := newTestStore(t)

	endpoint := "10.0.0.7:41999"
	err := store.AddPeer(Peer{
		DeviceID:         "peer-1",
		DeviceName:       "Secret Laptop",
		Ed25519PublicKey: "base64-public-key-peer-1",
		KeyFingerprint:   "fingerprint-peer-1",
		Endpoint:         &endpoint,
	})
	if err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	var rawName, rawEndpoint string
	if err := store.db.QueryRow(
		"SELECT device_name, endpoint FROM peers WHERE device_id = ?", "peer-1",
	).Scan(&rawName, &rawEndpoint); err != nil {
		t.Fatalf("read raw row: %v", err)
	}

	if !strings.HasPrefix(rawName, sealedFieldPrefix) {
		t.Fatalf("device_name stored in the clear: %q", rawName)
	}
	if strings.Contains(rawName, "Secret Laptop") {
		t.Fatalf("device_name leaks plaintext: %q", rawName)
	}
	if !strings.HasPrefix(rawEndpoint, sealedFieldPrefix) {
		t.Fatalf("endpoint stored in the clear: %q", rawEndpoint)
	}
	if strings.Contains(rawEndpoint, "10.0.0.7") {
		t.Fatalf("endpoint leaks plaintext: %q", rawEndpoint)
	}

	// Reads through the API transparently unseal.
	peer, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.DeviceName != "Secret Laptop" || peer.Endpoint == nil || *peer.Endpoint != endpoint {
		t.Fatalf("unsealed read mismatch: %+v", peer)
	}
}

func TestAddPeerRejectsMissingFields(t *testing.T) {
	store := newTestStore(t)

	cases := []Peer{
		{DeviceName: "n", Ed25519PublicKey: "k", KeyFingerprint: "f"},
		{DeviceID: "d", Ed25519PublicKey: "k", KeyFingerprint: "f"},
		{DeviceID: "d", DeviceName: "n", KeyFingerprint: "f"},
		{DeviceID: "d", DeviceName: "n", Ed25519PublicKey: "k"},
		{DeviceID: "d", DeviceName: "n", Ed25519PublicKey: "k", KeyFingerprint: "f", Status: "bogus"},
	}
	for i, peer := range cases {
		if err := store.AddPeer(peer); err == nil {
			t.Fatalf("case %d: expected AddPeer to fail", i)
		}
	}
}

func TestGetPeerNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetPeer("ghost"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPeersSorted(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "peer-b", "Bravo")
	mustAddPeer(t, store, "peer-a", "Alpha")

	peers, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].DeviceID != "peer-a" || peers[1].DeviceID != "peer-b" {
		t.Fatalf("unexpected order: %q, %q", peers[0].DeviceID, peers[1].DeviceID)
	}
}

func TestUpdatePeerStatusAndLastSeen(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "peer-1", "Laptop")

	seen := nowUnixMilli()
	if err := store.UpdatePeerStatus("peer-1", PeerStatusOnline, seen); err != nil {
		t.Fatalf("UpdatePeerStatus failed: %v", err)
	}

	peer, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.Status != PeerStatusOnline {
		t.Fatalf("status %q, want online", peer.Status)
	}
	if peer.LastSeenTimestamp == nil || *peer.LastSeenTimestamp != seen {
		t.Fatalf("last seen %v, want %d", peer.LastSeenTimestamp, seen)
	}

	// Zero timestamp keeps the previous last-seen value.
	if err := store.UpdatePeerStatus("peer-1", PeerStatusOffline, 0); err != nil {
		t.Fatalf("UpdatePeerStatus failed: %v", err)
	}
	peer, err = store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.LastSeenTimestamp == nil || *peer.LastSeenTimestamp != seen {
		t.Fatalf("last seen changed unexpectedly: %v", peer.LastSeenTimestamp)
	}

	if err := store.UpdatePeerStatus("ghost", PeerStatusOnline, seen); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown peer, got %v", err)
	}
}

func TestUpdatePeerEndpointAndName(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "peer-1", "Laptop")

	if err := store.UpdatePeerEndpoint("peer-1", "172.16.0.4:40000"); err != nil {
		t.Fatalf("UpdatePeerEndpoint failed: %v", err)
	}
	if err := store.UpdatePeerDeviceName("peer-1", "Renamed Laptop"); err != nil {
		t.Fatalf("UpdatePeerDeviceName failed: %v", err)
	}

	peer, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.Endpoint == nil || *peer.Endpoint != "172.16.0.4:40000" {
		t.Fatalf("endpoint %v, want 172.16.0.4:40000", peer.Endpoint)
	}
	if peer.DeviceName != "Renamed Laptop" {
		t.Fatalf("device name %q, want Renamed Laptop", peer.DeviceName)
	}
}

func TestUpdatePeerIdentity(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "peer-1", "Laptop")

	if err := store.UpdatePeerIdentity("peer-1", "new-public-key", "new-fingerprint"); err != nil {
		t.Fatalf("UpdatePeerIdentity failed: %v", err)
	}

	peer, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.Ed25519PublicKey != "new-public-key" || peer.KeyFingerprint != "new-fingerprint" {
		t.Fatalf("identity not updated: %+v", peer)
	}
}

func TestRemovePeer(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "peer-1", "Laptop")

	if err := store.RemovePeer("peer-1"); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	if _, err := store.GetPeer("peer-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
	if err := store.RemovePeer("peer-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for double removal, got %v", err)
	}
}

func TestKnownPeerKeys(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "peer-a", "Alpha")
	mustAddPeer(t, store, "peer-b", "Bravo")

	keys, err := store.KnownPeerKeys()
	if err != nil {
		t.Fatalf("KnownPeerKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys["peer-a"] != "base64-public-key-peer-a" {
		t.Fatalf("unexpected key for peer-a: %q", keys["peer-a"])
	}
}
