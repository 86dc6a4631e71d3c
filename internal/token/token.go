package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net"
	"strconv"
	"strings"
	"time"

	"vncproxy/internal/constants"
)

var (
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenExpired   = errors.New("token expired")
	ErrDuplicateToken = errors.New("token already registered")
	ErrInvalidToken   = errors.New("invalid token")
)

// Policy decides what a successful validation does to the entry.
type Policy int

const (
	// Reusable keeps the entry until it expires so a console can reconnect.
	Reusable Policy = iota
	// SingleUse deletes the entry on its first successful validation.
	SingleUse
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reusable":
		return Reusable, nil
	case "single-use", "single_use", "singleuse":
		return SingleUse, nil
	}
	return Reusable, fmt.Errorf("unknown token policy %q", s)
}

func (p Policy) String() string {
	if p == SingleUse {
		return "single-use"
	}
	return "reusable"
}

// Target is the network location of a VNC server.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Addr() }

func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("%w: empty target host", ErrInvalidToken)
	}
	if t.Port < constants.MinPort || t.Port > constants.MaxPort {
		return fmt.Errorf("%w: target port %d out of range", ErrInvalidToken, t.Port)
	}
	return nil
}

// Token authorizes console sessions to one target until IssuedAt+TTL.
type Token struct {
	Value      string
	Target     Target
	InstanceID string
	Metadata   map[string]string
	IssuedAt   time.Time
	TTL        time.Duration
}

func (t *Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.TTL)
}

func (t *Token) ValidAt(now time.Time) bool {
	return now.Before(t.ExpiresAt())
}

// Descriptor is what a successful validation hands to the bridge.
type Descriptor struct {
	Target     Target
	InstanceID string
	Metadata   map[string]string
	ExpiresAt  time.Time
}

func (t *Token) descriptor() Descriptor {
	return Descriptor{
		Target:     t.Target,
		InstanceID: t.InstanceID,
		Metadata:   maps.Clone(t.Metadata),
		ExpiresAt:  t.ExpiresAt(),
	}
}

// normalize fills IssuedAt and TTL defaults, checks the fields a store
// relies on and detaches Metadata from the caller's map.
func normalize(t *Token, now time.Time) error {
	if t.Value == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidToken)
	}
	if err := t.Target.Validate(); err != nil {
		return err
	}
	if t.TTL < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidToken)
	}
	if t.TTL == 0 {
		t.TTL = constants.DefaultTokenTTL
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = now
	}
	t.Metadata = maps.Clone(t.Metadata)
	return nil
}

// Fingerprint identifies a token in logs without revealing it.
func Fingerprint(value string) string {
	if value == "" {
		return "-"
	}
	return HashSHA256(value)[:constants.FingerprintChars]
}

func HashSHA256(input string) string {
	h := sha256.Sum256([]byte(input))
	return hex.EncodeToString(h[:])
}
