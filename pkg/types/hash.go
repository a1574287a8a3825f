package types

import (
	"crypto/sha512"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrImmutable is returned when an identity field that is already set is
// rebound to a different value.
var ErrImmutable = errors.New("identity field is immutable once set")

// Hash is a SHA-512 content digest.
type Hash [sha512.Size]byte

// HashOf digests b.
func HashOf(b []byte) Hash {
	return Hash(sha512.Sum512(b))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash encoding: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ContentHash holds a lazily computed hash. Once a value is observed it can
// never change.
type ContentHash struct {
	mu    sync.Mutex
	value Hash
	set   bool
}

// Get returns the hash and whether it has been computed.
func (c *ContentHash) Get() (Hash, bool) {
	if c == nil {
		return Hash{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// Ready reports whether the hash has been computed or assigned.
func (c *ContentHash) Ready() bool {
	_, ok := c.Get()
	return ok
}

// Set assigns h. Assigning the current value again is a no-op; assigning a
// different one returns ErrImmutable.
func (c *ContentHash) Set(h Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		if c.value != h {
			return fmt.Errorf("content hash %s cannot be replaced with %s: %w", c.value, h, ErrImmutable)
		}
		return nil
	}
	c.value = h
	c.set = true
	return nil
}

// Compute returns the hash, digesting the bytes produced by canonical on
// first use.
func (c *ContentHash) Compute(canonical func() ([]byte, error)) (Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return c.value, nil
	}
	b, err := canonical()
	if err != nil {
		return Hash{}, fmt.Errorf("failed to serialize for hashing: %w", err)
	}
	c.value = HashOf(b)
	c.set = true
	return c.value, nil
}

// Scan implements sql.Scanner.
func (c *ContentHash) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) != sha512.Size {
			return fmt.Errorf("unexpected hash length %d", len(v))
		}
		var h Hash
		copy(h[:], v)
		return c.Set(h)
	case string:
		h, err := ParseHash(v)
		if err != nil {
			return err
		}
		return c.Set(h)
	default:
		return fmt.Errorf("cannot scan %T into content hash", src)
	}
}

// Value implements driver.Valuer.
func (c *ContentHash) Value() (driver.Value, error) {
	h, ok := c.Get()
	if !ok {
		return nil, nil
	}
	return h[:], nil
}
