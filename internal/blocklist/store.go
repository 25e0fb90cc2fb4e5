// Package blocklist keeps the set of client addresses refused at accept time.
package blocklist

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"
)

// ErrInvalidAddress is returned when an address cannot be parsed.
var ErrInvalidAddress = errors.New("invalid ip address")

// Entry is one blocked address.
type Entry struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	BlockedAt time.Time  `json:"blockedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Store holds blocked client addresses. A zero ttl blocks until Unblock.
type Store interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
	Block(ctx context.Context, ip, reason string, ttl time.Duration) error
	// Unblock reports whether the address was blocked.
	Unblock(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
}

// Normalize returns the canonical form of ip. A host:port pair is accepted
// and IPv4-mapped IPv6 addresses are unmapped.
func Normalize(ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", ErrInvalidAddress
	}
	return addr.Unmap().String(), nil
}
