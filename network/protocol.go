package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"dropwire/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (16 MB), sized to
	// carry the largest chunk plus envelope overhead.
	MaxFrameSize = 16 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second

	challengeNonceSize = 32
)

const (
	TypeChallenge     = "challenge"
	TypeHello         = "hello"
	TypeHelloResponse = "hello_response"
	TypePairRequest   = "pair_request"
	TypePairResponse  = "pair_response"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeDisconnect    = "disconnect"
	TypeEnvelope      = "envelope"
	TypeError         = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// LocalIdentity contains local device values required to build handshake messages.
type LocalIdentity struct {
	DeviceID          string
	DeviceName        string
	Ed25519PrivateKey ed25519.PrivateKey
	Ed25519PublicKey  ed25519.PublicKey
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

/// ChallengeMessage is the server's opening frame: a fresh nonce the client
// must echo inside its signed hello.
type ChallengeMessage struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// HelloMessage is the signed handshake payload, used in both directions.
type HelloMessage struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ProtocolVersion  int    `json:"protocol_version"`
	ChallengeNonce   string `json:"challenge_nonce"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// PairRequestMessage asks the remote device to approve this device as a peer.
type PairRequestMessage struct {
	Type           string `json:"type"`
	FromDeviceID   string `json:"from_device_id"`
	FromDeviceName string `json:"from_device_name"`
	Fingerprint    string `json:"fingerprint"`
	Timestamp      int64  `json:"timestamp"`
	Signature      string `json:"signature"`
}

// PairResponseMessage answers a pair request.
type PairResponseMessage struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
}

const (
	PairStatusAccepted = "accepted"
	PairStatusRejected = "rejected"
)

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type         string `json:"type"`
	FromDeviceID string `json:"from_device_id"`
	Timestamp    int64  `json:"timestamp"`
}

// EnvelopeMessage carries one AES-256-GCM sealed application payload.
type EnvelopeMessage struct {
	Type       string `json:"type"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// BuildHelloMessage builds and signs a hello carrying the ephemeral X25519
// public key and the server's challenge nonce.
func BuildHelloMessage(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce string) (HelloMessage, error) {
	return buildHello(identity, ephemeralPublicKey, challengeNonce, TypeHello)
}

// BuildHelloResponse builds and signs the responder's half of the handshake.
func BuildHelloResponse(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce string) (HelloMessage, error) {
	return buildHello(identity, ephemeralPublicKey, challengeNonce, TypeHelloResponse)
}

func buildHello(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce, msgType string) (HelloMessage, error) {
	if len(identity.Ed25519PrivateKey) != ed25519.PrivateKeySize {
		return HelloMessage{}, errors.New("invalid local Ed25519 private key")
	}
	if len(identity.Ed25519PublicKey) != ed25519.PublicKeySize {
		return HelloMessage{}, errors.New("invalid local Ed25519 public key")
	}

	msg := HelloMessage{
		Type:             msgType,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.DeviceName,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Ed25519PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ProtocolVersion:  ProtocolVersion,
		ChallengeNonce:   challengeNonce,
		Timestamp:        time.Now().UnixMilli(),
	}

	signature, err := signHello(msg, identity.Ed25519PrivateKey)
	if err != nil {
		return HelloMessage{}, err
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// VerifyHelloMessage checks version and signature, returning the sender's
// verified Ed25519 public key.
func VerifyHelloMessage(msg HelloMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode hello signature: %w", err)
	}

	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return nil, ErrInvalidSignature
	}

	return publicKey, nil
}

func signHello(msg HelloMessage, privateKey ed25519.PrivateKey) ([]byte, error) {
	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}

	signature, err := crypto.Sign(privateKey, signable)
	if err != nil {
		return nil, fmt.Errorf("sign hello payload: %w", err)
	}
	return signature, nil
}

func signPairRequest(msg PairRequestMessage, privateKey ed25519.PrivateKey) (PairRequestMessage, error) {
	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return PairRequestMessage{}, fmt.Errorf("marshal pair request signable payload: %w", err)
	}
	signature, err := crypto.Sign(privateKey, signable)
	if err != nil {
		return PairRequestMessage{}, fmt.Errorf("sign pair request: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

func verifyPairRequest(msg PairRequestMessage, publicKey ed25519.PublicKey) error {
	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("decode pair request signature: %w", err)
	}
	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return fmt.Errorf("marshal pair request signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return ErrInvalidSignature
	}
	return nil
}

func signPairResponse(msg PairResponseMessage, privateKey ed25519.PrivateKey) (PairResponseMessage, error) {
	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return PairResponseMessage{}, fmt.Errorf("marshal pair response signable payload: %w", err)
	}
	signature, err := crypto.Sign(privateKey, signable)
	if err != nil {
		return PairResponseMessage{}, fmt.Errorf("sign pair response: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

func verifyPairResponse(msg PairResponseMessage, publicKey ed25519.PublicKey) error {
	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("decode pair response signature: %w", err)
	}
	signaturePayload := msg
	signaturePayload.Signature = ""
	signable, err := json.Marshal(signaturePayload)
	if err != nil {
		return fmt.Errorf("marshal pair response signable payload: %w", err)
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return ErrInvalidSignature
	}
	return nil
}

func decodePeerPublicKey(publicKeyBase64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode peer public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid peer public key length")
	}
	return ed25519.PublicKey(raw), nil
}

func makeVersionMismatchError(got int64) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              "version_mismatch",
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}
