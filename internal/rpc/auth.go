package rpc

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/CZERTAINLY/Tender/internal/codec"
)

const (
	nonceSize        = 32
	handshakeTimeout = 5 * time.Second
)

// AuthKey is the shared secret of one supervisor process. It is handed to
// workers on their stdin and never persisted.
type AuthKey string

// NewAuthKey returns 64 random hex characters.
func NewAuthKey() (AuthKey, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating auth key: %w", err)
	}
	return AuthKey(hex.EncodeToString(b[:])), nil
}

func (k AuthKey) mac(nonce []byte) []byte {
	h := hmac.New(sha256.New, []byte(k))
	_, _ = h.Write(nonce)
	return h.Sum(nil)
}

type challenge struct {
	Nonce []byte `cbor:"nonce"`
}

type response struct {
	MAC   []byte `cbor:"mac"`
	Nonce []byte `cbor:"nonce"`
}

type verdict struct {
	OK  bool   `cbor:"ok"`
	MAC []byte `cbor:"mac,omitempty"`
}

func newNonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// serverHandshake challenges the client, answers its challenge and reads the
// identity it registers with.
func serverHandshake(ctx context.Context, conn net.Conn, key AuthKey, enc *codec.Encoder, dec *codec.Decoder) (Identity, error) {
	stop := deadline(ctx, conn, handshakeTimeout)
	defer stop()

	nonce, err := newNonce()
	if err != nil {
		return Identity{}, err
	}
	if err := enc.Encode(challenge{Nonce: nonce}); err != nil {
		return Identity{}, fmt.Errorf("sending challenge: %w", err)
	}
	var resp response
	if err := dec.Decode(&resp); err != nil {
		return Identity{}, fmt.Errorf("reading response: %w", err)
	}
	if !hmac.Equal(resp.MAC, key.mac(nonce)) || len(resp.Nonce) != nonceSize {
		_ = enc.Encode(verdict{OK: false})
		return Identity{}, ErrAuthentication
	}
	if err := enc.Encode(verdict{OK: true, MAC: key.mac(resp.Nonce)}); err != nil {
		return Identity{}, fmt.Errorf("sending verdict: %w", err)
	}

	var raw string
	if err := dec.Decode(&raw); err != nil {
		return Identity{}, fmt.Errorf("reading identity: %w", err)
	}
	var ident Identity
	if err := json.Unmarshal([]byte(raw), &ident); err != nil {
		return Identity{}, fmt.Errorf("decoding identity: %w", err)
	}
	if ident.Name == "" {
		return Identity{}, fmt.Errorf("decoding identity: empty name")
	}
	return ident, nil
}

// clientHandshake answers the server challenge, verifies the server knows
// the key too and registers ident.
func clientHandshake(ctx context.Context, conn net.Conn, key AuthKey, ident Identity, enc *codec.Encoder, dec *codec.Decoder) error {
	stop := deadline(ctx, conn, handshakeTimeout)
	defer stop()

	var ch challenge
	if err := dec.Decode(&ch); err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	if err := enc.Encode(response{MAC: key.mac(ch.Nonce), Nonce: nonce}); err != nil {
		return fmt.Errorf("sending response: %w", err)
	}
	var v verdict
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("reading verdict: %w", err)
	}
	if !v.OK || !hmac.Equal(v.MAC, key.mac(nonce)) {
		return ErrAuthentication
	}

	raw, err := json.Marshal(ident)
	if err != nil {
		return err
	}
	if err := enc.Encode(string(raw)); err != nil {
		return fmt.Errorf("sending identity: %w", err)
	}
	return nil
}

// deadline bounds IO on conn by timeout and by ctx. The returned func clears
// the deadline again.
func deadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}
