// Package secmem holds channel keys with best-effort memory zeroing.
package secmem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// Key holds an HMAC key shared with a GPU process. Go's GC may copy the
// backing array, so Zero is defense-in-depth, not a guarantee.
//
// Every formatting and serialization path prints [REDACTED]. Use Bytes to
// get the key at the point of use.
type Key struct {
	mu         sync.Mutex
	data       []byte
	zeroed     atomic.Bool
	warnedOnce atomic.Bool
}

// NewKey takes ownership of b. The caller must not keep other references
// it expects to stay valid after Zero.
func NewKey(b []byte) *Key {
	return &Key{data: b}
}

// Bytes returns the key. The slice is shared: Zero wipes it for every
// holder, including connections built from it.
// Returns nil if the receiver is nil or the key has been zeroed.
func (k *Key) Bytes() []byte {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	isZeroed := k.data == nil && k.zeroed.Load()
	b := k.data
	k.mu.Unlock()

	if isZeroed {
		if k.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("key used after Zero()")
		}
		return nil
	}
	return b
}

// IsZeroed returns true if Zero() has been called.
func (k *Key) IsZeroed() bool {
	if k == nil {
		return false
	}
	return k.zeroed.Load()
}

func (k *Key) String() string { return redacted }

func (k *Key) GoString() string { return redacted }

// Format implements fmt.Formatter so every verb is redacted.
func (k *Key) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

// LogValue implements slog.LogValuer.
func (k *Key) LogValue() slog.Value { return slog.StringValue(redacted) }

func (k *Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (k *Key) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON refuses to build a key from JSON.
func (k *Key) UnmarshalJSON(data []byte) error {
	return fmt.Errorf("secmem: cannot deserialize into Key")
}

// Zero overwrites the key in place.
func (k *Key) Zero() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.data {
		k.data[i] = 0
	}
	k.data = nil
	k.zeroed.Store(true)
}
