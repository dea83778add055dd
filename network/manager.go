package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dropwire/crypto"
)

const (
	// DefaultPairTimeout bounds the wait for a pair response.
	DefaultPairTimeout = 30 * time.Second
	// DefaultMaxPairSkew rejects pair messages with stale timestamps.
	DefaultMaxPairSkew = 2 * time.Minute

	defaultReconnectAttempts  = 3
	defaultReconnectBaseDelay = 500 * time.Millisecond
)

var (
	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("network: manager closed")
	// ErrPeerUnavailable indicates no live connection exists for the peer.
	ErrPeerUnavailable = errors.New("network: peer unavailable")
	// ErrPairRejected indicates the remote device declined the pairing.
	ErrPairRejected = errors.New("network: pairing rejected")
	// ErrPairTimeout indicates the remote device never answered the pairing.
	ErrPairTimeout = errors.New("network: pairing timed out")
)

// MessageHandler consumes decrypted application payloads from peers.
type MessageHandler interface {
	HandleMessage(peerID string, payload []byte)
}

// PairRequest describes an inbound pairing attempt presented for approval.
type PairRequest struct {
	DeviceID    string
	DeviceName  string
	Fingerprint string
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Identity      LocalIdentity
	ListenAddress string

	KnownPeerKeys       map[string]string
	OnKeyChangeDecision KeyChangeDecisionFunc

	// ApprovePairing decides inbound pair requests. Nil rejects everything.
	ApprovePairing func(request PairRequest) bool

	OnPeerConnected    func(peerID, deviceName string)
	OnPeerDisconnected func(peerID string)

	Logger *logrus.Logger

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	PairTimeout       time.Duration
	MaxPairSkew       time.Duration

	// ReconnectAttempts retries dropped outbound connections with exponential
	// backoff. Zero uses the default; negative disables reconnection.
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
}

// Manager owns the node's peer connections: it accepts inbound sessions,
// dials outbound ones, runs the pairing approval flow, and routes decrypted
// application payloads to the registered MessageHandler. Its Send method
// satisfies the transfer engine's Transport contract.
type Manager struct {
	options ManagerOptions
	log     *logrus.Entry

	server *Server

	mu          sync.Mutex
	conns       map[string]*PeerConnection
	endpoints   map[string]string
	pairWaiters map[string]chan PairResponseMessage
	handler     MessageHandler

	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager validates options and returns a manager ready to Start.
func NewManager(options ManagerOptions) (*Manager, error) {
	handshake := HandshakeOptions{Identity: options.Identity}
	if err := handshake.validateIdentity(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = logrus.New()
	}
	if options.PairTimeout <= 0 {
		options.PairTimeout = DefaultPairTimeout
	}
	if options.MaxPairSkew <= 0 {
		options.MaxPairSkew = DefaultMaxPairSkew
	}
	if options.ReconnectAttempts == 0 {
		options.ReconnectAttempts = defaultReconnectAttempts
	}
	if options.ReconnectBaseDelay <= 0 {
		options.ReconnectBaseDelay = defaultReconnectBaseDelay
	}

	return &Manager{
		options:     options,
		log:         options.Logger.WithField("component", "network"),
		conns:       make(map[string]*PeerConnection),
		endpoints:   make(map[string]string),
		pairWaiters: make(map[string]chan PairResponseMessage),
		errs:        make(chan error, 16),
		closed:      make(chan struct{}),
	}, nil
}

// SetHandler registers the consumer of decrypted application payloads.
func (m *Manager) SetHandler(handler MessageHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// Start opens the listener and begins accepting peers.
func (m *Manager) Start() error {
	server, err := Listen(m.options.ListenAddress, m.handshakeOptions())
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(2)
	go m.acceptLoop()
	go m.drainServerErrors()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Errors exposes asynchronous manager errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Connect dials a peer, performs the handshake, and tracks the connection.
// It returns the authenticated peer device id.
func (m *Manager) Connect(address string) (string, error) {
	select {
	case <-m.closed:
		return "", ErrManagerClosed
	default:
	}

	pc, err := Dial(address, m.handshakeOptions())
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.endpoints[pc.PeerDeviceID()] = address
	m.mu.Unlock()

	m.adopt(pc)
	return pc.PeerDeviceID(), nil
}

// Pair runs the pairing approval flow against a connected peer and blocks
// until the peer answers or the timeout expires.
func (m *Manager) Pair(peerID string) error {
	pc := m.connection(peerID)
	if pc == nil {
		return ErrPeerUnavailable
	}

	request, err := signPairRequest(PairRequestMessage{
		Type:           TypePairRequest,
		FromDeviceID:   m.options.Identity.DeviceID,
		FromDeviceName: m.options.Identity.DeviceName,
		Fingerprint:    crypto.KeyFingerprint(m.options.Identity.Ed25519PublicKey),
		Timestamp:      time.Now().UnixMilli(),
	}, m.options.Identity.Ed25519PrivateKey)
	if err != nil {
		return err
	}

	waiter := make(chan PairResponseMessage, 1)
	m.mu.Lock()
	m.pairWaiters[peerID] = waiter
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pairWaiters, peerID)
		m.mu.Unlock()
	}()

	if err := pc.sendMessage(request); err != nil {
		return fmt.Errorf("send pair request: %w", err)
	}

	select {
	case response := <-waiter:
		if err := m.verifyPairResponseFrom(pc, response); err != nil {
			return err
		}
		if response.Status != PairStatusAccepted {
			return ErrPairRejected
		}
		return nil
	case <-time.After(m.options.PairTimeout):
		return ErrPairTimeout
	case <-pc.Done():
		return ErrPeerUnavailable
	case <-m.closed:
		return ErrManagerClosed
	}
}

// Send seals a payload to a connected peer. It reports false when no live
// connection exists or the write fails, satisfying the transfer Transport
// contract.
func (m *Manager) Send(peerID string, payload []byte) bool {
	pc := m.connection(peerID)
	if pc == nil {
		return false
	}
	if err := pc.SendSealed(payload); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("send failed")
		return false
	}
	return true
}

// ConnectedPeers lists the device ids with live connections.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.conns))
	for id := range m.conns {
		peers = append(peers, id)
	}
	return peers
}

// PeerName returns the display name advertised by a connected peer.
func (m *Manager) PeerName(peerID string) string {
	pc := m.connection(peerID)
	if pc == nil {
		return ""
	}
	return pc.PeerDeviceName()
}

// PeerKey returns the base64 Ed25519 public key authenticated during the
// handshake, in the shape used for key pinning. Empty when the peer has no
// live connection.
func (m *Manager) PeerKey(peerID string) string {
	pc := m.connection(peerID)
	if pc == nil {
		return ""
	}
	return pc.PeerPublicKey()
}

// DisconnectPeer closes a peer connection gracefully.
func (m *Manager) DisconnectPeer(peerID string) {
	m.mu.Lock()
	pc := m.conns[peerID]
	// Forget the endpoint so the drop is not treated as unexpected.
	delete(m.endpoints, peerID)
	m.mu.Unlock()

	if pc != nil {
		_ = pc.Disconnect()
	}
}

// Close shuts the listener and every connection down.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.server != nil {
			_ = m.server.Close()
		}

		m.mu.Lock()
		conns := make([]*PeerConnection, 0, len(m.conns))
		for _, pc := range m.conns {
			conns = append(conns, pc)
		}
		m.mu.Unlock()

		for _, pc := range conns {
			_ = pc.Disconnect()
		}
		m.wg.Wait()
	})
	return nil
}

func (m *Manager) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:            m.options.Identity,
		KnownPeerKeys:       m.options.KnownPeerKeys,
		OnKeyChangeDecision: m.options.OnKeyChangeDecision,
		ConnectionTimeout:   m.options.ConnectionTimeout,
		KeepAliveInterval:   m.options.KeepAliveInterval,
		KeepAliveTimeout:    m.options.KeepAliveTimeout,
		FrameReadTimeout:    m.options.FrameReadTimeout,
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for pc := range m.server.Incoming() {
		m.adopt(pc)
	}
}

func (m *Manager) drainServerErrors() {
	defer m.wg.Done()
	for err := range m.server.Errors() {
		m.reportError(err)
	}
}

// adopt tracks a handshaked connection and starts its read loop. A newer
// connection for the same peer replaces the old one.
func (m *Manager) adopt(pc *PeerConnection) {
	peerID := pc.PeerDeviceID()

	m.mu.Lock()
	previous := m.conns[peerID]
	m.conns[peerID] = pc
	m.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	m.log.WithFields(logrus.Fields{"peer": peerID, "name": pc.PeerDeviceName()}).Info("peer connected")
	if m.options.OnPeerConnected != nil {
		m.options.OnPeerConnected(peerID, pc.PeerDeviceName())
	}

	m.wg.Add(1)
	go m.readLoop(pc)
}

func (m *Manager) readLoop(pc *PeerConnection) {
	defer m.wg.Done()
	peerID := pc.PeerDeviceID()
	ctx := context.Background()

	for {
		frame, err := pc.Receive(ctx)
		if err != nil {
			break
		}

		if frame.Sealed {
			m.mu.Lock()
			handler := m.handler
			m.mu.Unlock()
			if handler != nil {
				handler.HandleMessage(peerID, frame.Payload)
			} else {
				m.log.WithField("peer", peerID).Debug("dropping payload: no handler registered")
			}
			continue
		}

		switch frame.Kind {
		case TypePairRequest:
			m.handlePairRequest(pc, frame.Payload)
		case TypePairResponse:
			m.handlePairResponse(peerID, frame.Payload)
		case TypeError:
			m.handleRemoteError(peerID, frame.Payload)
		default:
			m.log.WithFields(logrus.Fields{"peer": peerID, "kind": frame.Kind}).Warn("dropping unknown control message")
		}
	}

	m.forget(pc)
}

// forget removes a finished connection and fires disconnect/reconnect handling.
func (m *Manager) forget(pc *PeerConnection) {
	peerID := pc.PeerDeviceID()

	m.mu.Lock()
	current := m.conns[peerID] == pc
	if current {
		delete(m.conns, peerID)
	}
	endpoint := m.endpoints[peerID]
	m.mu.Unlock()

	if !current {
		return
	}

	if err := pc.LastError(); err != nil {
		m.reportError(fmt.Errorf("peer %s connection: %w", peerID, err))
	}

	m.log.WithField("peer", peerID).Info("peer disconnected")
	if m.options.OnPeerDisconnected != nil {
		m.options.OnPeerDisconnected(peerID)
	}

	if endpoint != "" && m.options.ReconnectAttempts > 0 {
		m.wg.Add(1)
		go m.reconnect(peerID, endpoint)
	}
}

// reconnect retries a dropped outbound connection with exponential backoff.
func (m *Manager) reconnect(peerID, endpoint string) {
	defer m.wg.Done()

	delay := m.options.ReconnectBaseDelay
	for attempt := 1; attempt <= m.options.ReconnectAttempts; attempt++ {
		select {
		case <-time.After(delay):
		case <-m.closed:
			return
		}

		m.mu.Lock()
		_, stillWanted := m.endpoints[peerID]
		_, alreadyConnected := m.conns[peerID]
		m.mu.Unlock()
		if !stillWanted || alreadyConnected {
			return
		}

		pc, err := Dial(endpoint, m.handshakeOptions())
		if err == nil {
			m.log.WithFields(logrus.Fields{"peer": peerID, "attempt": attempt}).Info("reconnected")
			m.adopt(pc)
			return
		}

		m.log.WithError(err).WithFields(logrus.Fields{"peer": peerID, "attempt": attempt}).Debug("reconnect attempt failed")
		delay *= 2
	}
}

func (m *Manager) handlePairRequest(pc *PeerConnection, payload []byte) {
	peerID := pc.PeerDeviceID()

	var request PairRequestMessage
	if err := json.Unmarshal(payload, &request); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("dropping malformed pair request")
		return
	}
	if request.FromDeviceID != peerID {
		m.log.WithField("peer", peerID).Warn("dropping pair request with mismatched device id")
		return
	}
	if skew := time.Since(time.UnixMilli(request.Timestamp)); skew > m.options.MaxPairSkew || skew < -m.options.MaxPairSkew {
		m.log.WithField("peer", peerID).Warn("dropping pair request with stale timestamp")
		return
	}

	peerKey, err := decodePeerPublicKey(pc.PeerPublicKey())
	if err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("dropping pair request: bad peer key")
		return
	}
	if err := verifyPairRequest(request, peerKey); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("dropping pair request: bad signature")
		return
	}

	approved := false
	if m.options.ApprovePairing != nil {
		approved = m.options.ApprovePairing(PairRequest{
			DeviceID:    request.FromDeviceID,
			DeviceName:  request.FromDeviceName,
			Fingerprint: request.Fingerprint,
		})
	}

	status := PairStatusRejected
	if approved {
		status = PairStatusAccepted
	}
	response, err := signPairResponse(PairResponseMessage{
		Type:       TypePairResponse,
		Status:     status,
		DeviceID:   m.options.Identity.DeviceID,
		DeviceName: m.options.Identity.DeviceName,
		Timestamp:  time.Now().UnixMilli(),
	}, m.options.Identity.Ed25519PrivateKey)
	if err != nil {
		m.reportError(err)
		return
	}
	if err := pc.sendMessage(response); err != nil {
		m.reportError(fmt.Errorf("send pair response: %w", err))
		return
	}

	m.log.WithFields(logrus.Fields{"peer": peerID, "status": status}).Info("pair request answered")
}

func (m *Manager) handlePairResponse(peerID string, payload []byte) {
	var response PairResponseMessage
	if err := json.Unmarshal(payload, &response); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("dropping malformed pair response")
		return
	}

	m.mu.Lock()
	waiter := m.pairWaiters[peerID]
	m.mu.Unlock()

	if waiter == nil {
		m.log.WithField("peer", peerID).Warn("dropping unsolicited pair response")
		return
	}
	select {
	case waiter <- response:
	default:
	}
}

func (m *Manager) verifyPairResponseFrom(pc *PeerConnection, response PairResponseMessage) error {
	if response.DeviceID != pc.PeerDeviceID() {
		return errors.New("pair response device id mismatch")
	}
	if skew := time.Since(time.UnixMilli(response.Timestamp)); skew > m.options.MaxPairSkew || skew < -m.options.MaxPairSkew {
		return errors.New("pair response timestamp outside accepted skew")
	}
	peerKey, err := decodePeerPublicKey(pc.PeerPublicKey())
	if err != nil {
		return err
	}
	return verifyPairResponse(response, peerKey)
}

func (m *Manager) handleRemoteError(peerID string, payload []byte) {
	var remote ErrorMessage
	if err := json.Unmarshal(payload, &remote); err != nil {
		return
	}
	m.log.WithFields(logrus.Fields{"peer": peerID, "code": remote.Code}).Warn(remote.Message)
}

func (m *Manager) connection(peerID string) *PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[peerID]
}

func (m *Manager) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}
