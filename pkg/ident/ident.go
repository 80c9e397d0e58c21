// Package ident defines the 16-byte OpAMP instance identity and ways to
// obtain one: random (server-assigned) or derived from stable machine facts
// (agent side, survives restarts without local state).
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// UIDLen is the wire length of an OpAMP instance uid.
const UIDLen = 16

// UID is an OpAMP instance uid. The wire carries it as 16 raw bytes; the
// control plane renders it as 32 hex characters everywhere a string is
// needed (store keys, URLs, logs).
type UID [UIDLen]byte

// NewUID returns a random, time-ordered UID (UUIDv7 layout).
func NewUID() UID {
	return UID(uuid.Must(uuid.NewV7()))
}

// UIDFromBytes validates the wire form of an instance uid.
func UIDFromBytes(b []byte) (UID, error) {
	if len(b) != UIDLen {
		return UID{}, fmt.Errorf("instance uid must be %d bytes, got %d", UIDLen, len(b))
	}
	var u UID
	copy(u[:], b)
	if u.IsZero() {
		return UID{}, fmt.Errorf("instance uid must not be all zero")
	}
	return u, nil
}

// ParseUID parses the 32-char hex rendering.
func ParseUID(s string) (UID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return UID{}, fmt.Errorf("parse instance uid %q: %w", s, err)
	}
	return UIDFromBytes(b)
}

func (u UID) String() string {
	return hex.EncodeToString(u[:])
}

func (u UID) Bytes() []byte {
	return u[:]
}

func (u UID) IsZero() bool {
	return u == UID{}
}

// UIDFromMachine derives a stable UID from the host's MAC addresses and a
// caller-chosen name. The same machine and name always yield the same UID,
// so a stateless agent reconnects under its previous identity.
func UIDFromMachine(name string) (UID, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return UID{}, err
	}

	var macs []string
	for _, intf := range interfaces {
		if addr := intf.HardwareAddr.String(); addr != "" {
			macs = append(macs, addr)
		}
	}
	sort.Strings(macs)

	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte(strings.Join(macs, "")))
	sum := h.Sum(nil)

	var u UID
	copy(u[:], sum[:UIDLen])
	return u, nil
}
