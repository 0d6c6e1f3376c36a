// Package peerid deals with peer identity: the stable host:port PeerId
// used throughout the substrate, and opaque correlation tokens (clock-sync
// ping ids, the uuid subcommand's output) minted with a real UUID
// generator.
package peerid

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// PeerId is the stable printable identifier of a peer: host:port,
// case-normalised.
type PeerId string

// New builds a PeerId from a host and port, normalising case so two
// agents that differ only in hostname case are still considered the
// same peer.
func New(host string, port int) PeerId {
	return PeerId(strings.ToLower(fmt.Sprintf("%s:%d", host, port)))
}

// FromAddr builds a PeerId from a resolved net.Addr.
func FromAddr(addr net.Addr) (PeerId, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", err
	}
	return PeerId(strings.ToLower(host + ":" + portStr)), nil
}

// HostPort splits a PeerId back into host and port strings.
func (p PeerId) HostPort() (string, string, error) {
	return net.SplitHostPort(string(p))
}

func (p PeerId) String() string { return string(p) }

// NewToken mints an opaque correlation id (clock-sync ping ids) that
// carries no meaning beyond equality comparison.
func NewToken() string {
	return uuid.New().String()
}
