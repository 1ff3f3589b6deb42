package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

var log = logging.L("ipc")

// KeyEnv carries the hex-encoded channel key from the host to the child.
const KeyEnv = "GPUHOST_CHANNEL_KEY"

// KeySize is the length in bytes of a channel key.
const KeySize = 32

// Conn wraps a net.Conn with [4-byte BE length][JSON envelope] framing.
// Every envelope is signed with HMAC-SHA256 and carries a strictly
// increasing sequence number.
type Conn struct {
	raw     net.Conn
	key     []byte
	ids     atomic.Uint64
	sendSeq atomic.Uint64
	recvSeq atomic.Uint64
	mu      sync.Mutex // serializes writes
}

// NewConn wraps raw. key must be KeySize bytes and shared with the peer.
func NewConn(raw net.Conn, key []byte) *Conn {
	return &Conn{raw: raw, key: key}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// Raw returns the wrapped connection.
func (c *Conn) Raw() net.Conn {
	return c.raw
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// Send marshals payload (nil for none) into an envelope of type msgType and
// writes it.
func (c *Conn) Send(msgType string, payload any) error {
	env := &Envelope{
		ID:   strconv.FormatUint(c.ids.Add(1), 10),
		Type: msgType,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ipc: marshal %s: %w", msgType, err)
		}
		env.Payload = raw
	}
	return c.SendEnvelope(env)
}

// SendEnvelope signs and writes env, assigning its sequence number.
func (c *Conn) SendEnvelope(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	env.Seq = c.sendSeq.Add(1)
	env.HMAC = sign(c.key, env)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("ipc: write %s: %w", env.Type, err)
	}
	return nil
}

// Recv reads one envelope and validates its HMAC and sequence number.
func (c *Conn) Recv() (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.raw, header[:]); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, length, MaxMessageSize)
	}
	if length == 0 {
		return nil, fmt.Errorf("ipc: zero-length message")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.raw, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}
	if !hmac.Equal([]byte(env.HMAC), []byte(sign(c.key, &env))) {
		return nil, fmt.Errorf("%w on %s", ErrHMACMismatch, env.Type)
	}
	if prev := c.recvSeq.Load(); env.Seq <= prev {
		return nil, fmt.Errorf("%w: seq %d <= %d", ErrReplay, env.Seq, prev)
	}
	c.recvSeq.Store(env.Seq)
	return &env, nil
}

// sign computes HMAC-SHA256 over len(id)||id||seq||len(type)||type||payload.
// Lengths are 4-byte and seq 8-byte big-endian so no two envelopes share
// an input.
func sign(key []byte, env *Envelope) string {
	mac := hmac.New(sha256.New, key)
	var n [8]byte
	writeField := func(b []byte) {
		binary.BigEndian.PutUint32(n[:4], uint32(len(b)))
		mac.Write(n[:4])
		mac.Write(b)
	}
	writeField([]byte(env.ID))
	binary.BigEndian.PutUint64(n[:], env.Seq)
	mac.Write(n[:])
	writeField([]byte(env.Type))
	mac.Write(env.Payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateKey returns a random channel key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate key: %w", err)
	}
	return key, nil
}

// EncodeKey renders key for the environment or a channel handle.
func EncodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

// DecodeKey parses a hex key produced by EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ipc: decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("ipc: key is %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}

// KeyFromEnv reads and clears the channel key passed by the host.
func KeyFromEnv() ([]byte, error) {
	s := os.Getenv(KeyEnv)
	if s == "" {
		return nil, ErrNoKey
	}
	os.Unsetenv(KeyEnv)
	return DecodeKey(s)
}
