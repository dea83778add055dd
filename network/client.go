package network

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"dropwire/crypto"
)

// Dial connects to a peer, performs the handshake, and returns a ready PeerConnection.
func Dial(address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	challengePayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	challengeType, err := DecodeMessageType(challengePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if challengeType == TypeError {
		_ = conn.Close()
		return nil, decodeRemoteError(challengePayload)
	}
	if challengeType != TypeChallenge {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeChallenge, challengeType)
	}

	var challenge ChallengeMessage
	if err := json.Unmarshal(challengePayload, &challenge); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(rawNonce) != challengeNonceSize {
		_ = conn.Close()
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(rawNonce), challengeNonceSize)
	}

	localEphemeralPrivateKey, localEphemeralPublicKey, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	hello, err := BuildHelloMessage(opts.Identity, localEphemeralPublicKey.Bytes(), challenge.Nonce)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	payload, err := EncodeJSON(hello)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	responsePayload, err := ReadFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello response: %w", err)
	}

	msgType, err := DecodeMessageType(responsePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msgType == TypeError {
		_ = conn.Close()
		return nil, decodeRemoteError(responsePayload)
	}
	if msgType != TypeHelloResponse {
		_ = conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", TypeHelloResponse, msgType)
	}

	response, err := decodeHello(responsePayload)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if response.ChallengeNonce != challenge.Nonce {
		_ = conn.Close()
		return nil, errors.New("hello response challenge nonce mismatch")
	}
	if _, err := VerifyHelloMessage(response); err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify hello response: %w", err)
	}

	if err := evaluatePeerKey(response.DeviceID, response.Ed25519PublicKey, opts.KnownPeerKeys, opts.OnKeyChangeDecision); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sessionKey, err := deriveSessionKey(localEphemeralPrivateKey, response.X25519PublicKey, opts.Identity.DeviceID, response.DeviceID, challenge.Nonce)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, ConnectionOptions{
		LocalDeviceID:     opts.Identity.DeviceID,
		PeerDeviceID:      response.DeviceID,
		PeerDeviceName:    response.DeviceName,
		PeerPublicKey:     response.Ed25519PublicKey,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
		AutoRespondPing:   opts.autoRespondPingEnabled(),
	}), nil
}

func decodeRemoteError(payload []byte) error {
	remoteErr := ErrorMessage{}
	if err := json.Unmarshal(payload, &remoteErr); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return fmt.Errorf("remote error [%s]: %s", remoteErr.Code, remoteErr.Message)
}
