package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPeerNotConnected indicates the target peer has no registered connection.
	ErrPeerNotConnected = errors.New("transfer: peer not connected")
	// ErrDuplicateTransfer indicates a transfer id is already in use.
	ErrDuplicateTransfer = errors.New("transfer: duplicate transfer id")
	// ErrFileTooLarge indicates the file exceeds the configured ceiling.
	ErrFileTooLarge = errors.New("transfer: file exceeds size limit")
	// ErrUnknownTransfer indicates no session exists for a transfer id.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer id")
)

// Transport delivers an encoded message to a peer. Send reports whether the
// payload was handed to the peer's connection; it never blocks on delivery
// acknowledgement.
type Transport interface {
	Send(peerID string, payload []byte) bool
}

// RegistryOptions configures a Registry. Transport and SelfID are required;
// everything else has working defaults.
type RegistryOptions struct {
	SelfID   string
	SelfName string

	Transport  Transport
	CreateSink func(meta FileMetadata, fromPeer string) (FileSink, error)

	ChunkSize        int
	MinChunkSize     int
	MaxChunkSize     int
	AdaptiveChunking bool

	UseFEC         bool
	FECParityRatio float64

	// MaxFileSize rejects inbound requests above this many bytes. Zero
	// disables the ceiling.
	MaxFileSize int64

	Logger *logrus.Logger

	OnPeerConnected    func(peerID string)
	OnPeerDisconnected func(peerID string)
	OnTransferRequest  func(peerID string, meta FileMetadata)
	OnTransferUpdate   func(record TransferRecord)
}

// pendingOutbound is an offered transfer waiting for the peer's accept.
type pendingOutbound struct {
	peerID string
	meta   FileMetadata
	source FileSource
}

// Registry tracks connected peers and routes protocol messages to their
// sessions. It holds exactly one session per transfer id; sessions own their
// transfer state and the registry never mutates it directly.
type Registry struct {
	options RegistryOptions
	log     *logrus.Entry

	mu       sync.Mutex
	peers    map[string]bool
	sessions map[string]*Session
	pending  map[string]*pendingOutbound
}

// NewRegistry validates options, applies defaults, and returns a ready registry.
func NewRegistry(options RegistryOptions) (*Registry, error) {
	if options.SelfID == "" {
		return nil, errors.New("transfer: registry requires a self id")
	}
	if options.Transport == nil {
		return nil, errors.New("transfer: registry requires a transport")
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.MinChunkSize <= 0 {
		options.MinChunkSize = DefaultMinChunkSize
	}
	if options.MaxChunkSize <= 0 {
		options.MaxChunkSize = DefaultMaxChunkSize
	}
	if options.UseFEC && options.FECParityRatio <= 0 {
		options.FECParityRatio = 0.2
	}
	if options.FECParityRatio < 0 || options.FECParityRatio > 1 {
		return nil, fmt.Errorf("transfer: parity ratio out of range: %v", options.FECParityRatio)
	}
	if options.Logger == nil {
		options.Logger = logrus.New()
	}
	return &Registry{
		options:  options,
		log:      options.Logger.WithField("component", "transfer"),
		peers:    make(map[string]bool),
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingOutbound),
	}, nil
}

// Connect registers a peer connection. Connecting an already connected peer is
// a no-op.
func (r *Registry) Connect(peerID string) {
	r.mu.Lock()
	already := r.peers[peerID]
	r.peers[peerID] = true
	r.mu.Unlock()

	if already {
		return
	}
	r.log.WithField("peer", peerID).Debug("peer connected")
	if r.options.OnPeerConnected != nil {
		r.options.OnPeerConnected(peerID)
	}
}

// Disconnect removes a peer and fails every non-terminal session bound to it.
// Pending outbound offers to the peer are dropped and surfaced as failed.
func (r *Registry) Disconnect(peerID string) {
	r.mu.Lock()
	connected := r.peers[peerID]
	delete(r.peers, peerID)

	var affected []*Session
	for _, session := range r.sessions {
		if session.peerID == peerID {
			affected = append(affected, session)
		}
	}
	var dropped []FileMetadata
	for id, offer := range r.pending {
		if offer.peerID == peerID {
			dropped = append(dropped, offer.meta)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, session := range affected {
		session.fail("peer disconnected")
	}
	for _, meta := range dropped {
		r.emitUpdate(r.offerRecord(peerID, meta, StatusFailed))
	}

	if !connected {
		return
	}
	r.log.WithField("peer", peerID).Debug("peer disconnected")
	if r.options.OnPeerDisconnected != nil {
		r.options.OnPeerDisconnected(peerID)
	}
}

// Connected reports whether a peer is currently registered.
func (r *Registry) Connected(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[peerID]
}

// SendFileRequest offers a file to a connected peer and parks the source until
// the peer answers. The returned metadata carries the generated transfer id.
func (r *Registry) SendFileRequest(peerID string, source FileSource, name, mimeType string) (*FileMetadata, error) {
	if !r.Connected(peerID) {
		return nil, ErrPeerNotConnected
	}
	size := source.Size()
	if size <= 0 {
		return nil, fmt.Errorf("transfer: source is empty")
	}
	if r.options.MaxFileSize > 0 && size > r.options.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, size, r.options.MaxFileSize)
	}

	meta := FileMetadata{
		ID:       uuid.New().String(),
		Name:     name,
		Size:     size,
		MimeType: mimeType,
		UseFEC:   r.options.UseFEC,
	}
	if meta.UseFEC {
		meta.FECParityRatio = r.options.FECParityRatio
	}

	r.mu.Lock()
	r.pending[meta.ID] = &pendingOutbound{peerID: peerID, meta: meta, source: source}
	r.mu.Unlock()

	ok := r.send(peerID, &FileRequestMessage{
		Type:     KindFileRequest,
		Metadata: meta,
		From:     PeerInfo{ID: r.options.SelfID, Name: r.options.SelfName},
	})
	if !ok {
		r.mu.Lock()
		delete(r.pending, meta.ID)
		r.mu.Unlock()
		return nil, ErrPeerNotConnected
	}

	r.log.WithFields(logrus.Fields{
		"peer":        peerID,
		"transfer_id": meta.ID,
		"file":        meta.Name,
		"size":        meta.Size,
	}).Info("file offered")
	return &meta, nil
}

// SendFile starts streaming a file whose offer the peer already accepted, or
// pushes a file without the offer round-trip when the caller owns both ends.
func (r *Registry) SendFile(peerID string, source FileSource, meta FileMetadata) error {
	if !r.Connected(peerID) {
		return ErrPeerNotConnected
	}

	session := newSession(r, peerID, meta, DirectionSend)
	session.source = source

	r.mu.Lock()
	if _, exists := r.sessions[meta.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, meta.ID)
	}
	r.sessions[meta.ID] = session
	r.mu.Unlock()

	r.emitUpdate(session.Record())

	var rate *RateController
	if r.options.AdaptiveChunking {
		rate = NewRateController(r.options.ChunkSize, r.options.MinChunkSize, r.options.MaxChunkSize)
	}
	go session.runSender(rate, r.options.ChunkSize)
	return nil
}

// AcceptFileTransfer answers an inbound offer: it opens a sink, registers the
// receiving session, and tells the sender to start streaming.
func (r *Registry) AcceptFileTransfer(peerID string, meta FileMetadata) error {
	if meta.ID == "" || meta.Size <= 0 {
		return fmt.Errorf("transfer: invalid metadata for accept")
	}
	if !r.Connected(peerID) {
		return ErrPeerNotConnected
	}

	r.mu.Lock()
	_, exists := r.sessions[meta.ID]
	r.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, meta.ID)
	}

	var sink FileSink
	var err error
	if r.options.CreateSink != nil {
		sink, err = r.options.CreateSink(meta, peerID)
	} else {
		sink = NewMemorySink(meta.Size)
	}
	if err != nil {
		r.send(peerID, &FileRejectMessage{Type: KindFileReject, Metadata: meta, Reason: "storage unavailable"})
		return fmt.Errorf("create sink: %w", err)
	}

	session := newSession(r, peerID, meta, DirectionReceive)
	session.sink = sink
	session.asm = NewAssembler(meta.Size, sink)

	r.mu.Lock()
	if _, raced := r.sessions[meta.ID]; raced {
		r.mu.Unlock()
		_ = sink.Close()
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, meta.ID)
	}
	r.sessions[meta.ID] = session
	r.mu.Unlock()

	if !r.send(peerID, &FileAcceptMessage{Type: KindFileAccept, Metadata: meta}) {
		session.fail("peer unreachable")
		return ErrPeerNotConnected
	}

	r.log.WithFields(logrus.Fields{"peer": peerID, "transfer_id": meta.ID}).Info("transfer accepted")
	r.emitUpdate(session.Record())
	return nil
}

// RejectFileTransfer declines an inbound offer.
func (r *Registry) RejectFileTransfer(peerID string, meta FileMetadata, reason string) error {
	if !r.Connected(peerID) {
		return ErrPeerNotConnected
	}
	if reason == "" {
		reason = "declined"
	}
	r.send(peerID, &FileRejectMessage{Type: KindFileReject, Metadata: meta, Reason: reason})
	r.log.WithFields(logrus.Fields{"peer": peerID, "transfer_id": meta.ID}).Info("transfer rejected")
	return nil
}

// CancelTransfer cancels a local session or withdraws a pending offer. The
// cancellation is local-only: the peer discovers it when chunks stop flowing
// or its own sends fail.
func (r *Registry) CancelTransfer(transferID string) error {
	r.mu.Lock()
	session := r.sessions[transferID]
	offer, offered := r.pending[transferID]
	if offered {
		delete(r.pending, transferID)
	}
	r.mu.Unlock()

	if session != nil {
		session.cancel()
		return nil
	}
	if offered {
		r.emitUpdate(r.offerRecord(offer.peerID, offer.meta, StatusFailed))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
}

// ActiveTransfers snapshots every known transfer record, terminal ones included.
func (r *Registry) ActiveTransfers() []TransferRecord {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	records := make([]TransferRecord, 0, len(sessions))
	for _, session := range sessions {
		records = append(records, session.Record())
	}
	return records
}

// HandleMessage dispatches one inbound payload from a peer. Unknown kinds and
// malformed payloads are logged and dropped; they never tear down a session.
func (r *Registry) HandleMessage(peerID string, payload []byte) {
	kind, err := DecodeKind(payload)
	if err != nil {
		r.log.WithError(err).WithField("peer", peerID).Warn("dropping undecodable message")
		return
	}

	switch kind {
	case KindFileRequest:
		var msg FileRequestMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.log.WithError(err).WithField("peer", peerID).Warn("dropping malformed file request")
			return
		}
		r.handleFileRequest(peerID, &msg)
	case KindFileAccept:
		var msg FileAcceptMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.log.WithError(err).WithField("peer", peerID).Warn("dropping malformed file accept")
			return
		}
		r.handleFileAccept(peerID, &msg)
	case KindFileReject:
		var msg FileRejectMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.log.WithError(err).WithField("peer", peerID).Warn("dropping malformed file reject")
			return
		}
		r.handleFileReject(peerID, &msg)
	case KindFileChunk:
		var msg FileChunkMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.log.WithError(err).WithField("peer", peerID).Warn("dropping malformed file chunk")
			return
		}
		r.handleFileChunk(peerID, &msg)
	case KindFileComplete:
		var msg FileCompleteMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.log.WithError(err).WithField("peer", peerID).Warn("dropping malformed file complete")
			return
		}
		r.handleFileComplete(peerID, &msg)
	default:
		r.log.WithFields(logrus.Fields{"peer": peerID, "kind": kind}).Warn("dropping unknown message kind")
	}
}

func (r *Registry) handleFileRequest(peerID string, msg *FileRequestMessage) {
	meta := msg.Metadata
	if meta.ID == "" || meta.Name == "" || meta.Size <= 0 {
		r.log.WithField("peer", peerID).Warn("dropping file request with invalid metadata")
		return
	}
	if r.options.MaxFileSize > 0 && meta.Size > r.options.MaxFileSize {
		r.log.WithFields(logrus.Fields{
			"peer": peerID,
			"size": meta.Size,
		}).Warn("rejecting file request over size limit")
		r.send(peerID, &FileRejectMessage{Type: KindFileReject, Metadata: meta, Reason: "file exceeds size limit"})
		return
	}

	r.mu.Lock()
	_, exists := r.sessions[meta.ID]
	r.mu.Unlock()
	if exists {
		r.log.WithFields(logrus.Fields{"peer": peerID, "transfer_id": meta.ID}).Warn("rejecting duplicate transfer id")
		r.send(peerID, &FileRejectMessage{Type: KindFileReject, Metadata: meta, Reason: "duplicate transfer id"})
		return
	}

	r.log.WithFields(logrus.Fields{
		"peer":        peerID,
		"transfer_id": meta.ID,
		"file":        meta.Name,
		"size":        meta.Size,
	}).Info("file offered by peer")
	if r.options.OnTransferRequest != nil {
		r.options.OnTransferRequest(peerID, meta)
	}
}

func (r *Registry) handleFileAccept(peerID string, msg *FileAcceptMessage) {
	r.mu.Lock()
	offer, ok := r.pending[msg.Metadata.ID]
	if ok {
		delete(r.pending, msg.Metadata.ID)
	}
	r.mu.Unlock()

	if !ok || offer.peerID != peerID {
		r.log.WithFields(logrus.Fields{"peer": peerID, "transfer_id": msg.Metadata.ID}).Warn("dropping accept for unknown offer")
		return
	}
	// Stream with the metadata we offered, not the echoed copy.
	if err := r.SendFile(peerID, offer.source, offer.meta); err != nil {
		r.log.WithError(err).WithField("transfer_id", offer.meta.ID).Error("starting accepted transfer failed")
		r.emitUpdate(r.offerRecord(peerID, offer.meta, StatusFailed))
	}
}

func (r *Registry) handleFileReject(peerID string, msg *FileRejectMessage) {
	r.mu.Lock()
	offer, offered := r.pending[msg.Metadata.ID]
	if offered {
		delete(r.pending, msg.Metadata.ID)
	}
	session := r.sessions[msg.Metadata.ID]
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"peer":        peerID,
		"transfer_id": msg.Metadata.ID,
		"reason":      msg.Reason,
	}).Info("transfer rejected by peer")

	if offered && offer.peerID == peerID {
		r.emitUpdate(r.offerRecord(peerID, offer.meta, StatusRejected))
		return
	}
	if session != nil && session.peerID == peerID {
		session.reject()
	}
}

func (r *Registry) handleFileChunk(peerID string, msg *FileChunkMessage) {
	session := r.lookupSession(msg.TransferID, peerID, DirectionReceive)
	if session == nil {
		r.log.WithFields(logrus.Fields{"peer": peerID, "transfer_id": msg.TransferID}).Debug("dropping chunk for unknown transfer")
		return
	}
	session.handleChunk(msg)
}

func (r *Registry) handleFileComplete(peerID string, msg *FileCompleteMessage) {
	session := r.lookupSession(msg.TransferID, peerID, DirectionReceive)
	if session == nil {
		r.log.WithFields(logrus.Fields{"peer": peerID, "transfer_id": msg.TransferID}).Debug("dropping completion for unknown transfer")
		return
	}
	session.handleComplete(msg)
}

func (r *Registry) lookupSession(transferID, peerID string, direction Direction) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.sessions[transferID]
	if session == nil || session.peerID != peerID || session.direction != direction {
		return nil
	}
	return session
}

func (r *Registry) send(peerID string, message any) bool {
	payload, err := EncodeMessage(message)
	if err != nil {
		r.log.WithError(err).Error("encoding message failed")
		return false
	}
	return r.options.Transport.Send(peerID, payload)
}

func (r *Registry) emitUpdate(record TransferRecord) {
	if r.options.OnTransferUpdate != nil {
		r.options.OnTransferUpdate(record)
	}
}

// offerRecord builds a terminal record for an offer that never became a session.
func (r *Registry) offerRecord(peerID string, meta FileMetadata, status Status) TransferRecord {
	return TransferRecord{
		ID:        meta.ID,
		FileName:  meta.Name,
		FileSize:  meta.Size,
		FileType:  meta.MimeType,
		Sender:    r.options.SelfID,
		Receiver:  peerID,
		Direction: DirectionSend,
		Status:    status,
		UseFEC:    meta.UseFEC,
	}
}
