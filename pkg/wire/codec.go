// Package wire frames OpAMP messages for transports owned by the control
// plane. Both the WebSocket and the plain HTTP bindings carry bare protobuf
// payloads; this package owns the size ceiling, the tolerance for leading
// null bytes some collector builds prepend to their first frame, and the
// classification of undecodable payloads.
package wire

import (
	"errors"
	"fmt"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

const (
	// MaxMessageBytes is the default ceiling for a single frame in either
	// direction.
	MaxMessageBytes = 4 << 20

	// DefaultMaxLeadingNulls bounds how many leading zero bytes Decode strips
	// before treating the frame as garbage.
	DefaultMaxLeadingNulls = 8
)

var (
	// ErrOversized is returned for frames above the configured ceiling.
	ErrOversized = errors.New("message exceeds size ceiling")
	// ErrTruncated is returned for empty, all-null, or cut-short payloads.
	ErrTruncated = errors.New("truncated message")
	// ErrInvalidFieldTag is returned when the payload does not begin with a
	// well-formed protobuf field tag.
	ErrInvalidFieldTag = errors.New("invalid protobuf field tag")
)

// Codec decodes AgentToServer and encodes ServerToAgent frames.
// The zero value uses the package defaults.
type Codec struct {
	// MaxBytes overrides MaxMessageBytes when > 0.
	MaxBytes int
	// MaxLeadingNulls overrides DefaultMaxLeadingNulls when > 0.
	MaxLeadingNulls int
}

func (c Codec) maxBytes() int {
	if c.MaxBytes > 0 {
		return c.MaxBytes
	}
	return MaxMessageBytes
}

func (c Codec) maxLeadingNulls() int {
	if c.MaxLeadingNulls > 0 {
		return c.MaxLeadingNulls
	}
	return DefaultMaxLeadingNulls
}

// Decode parses an AgentToServer frame. Leading null bytes are stripped up
// to the configured maximum; the remainder must start with a valid field tag
// and unmarshal completely.
func (c Codec) Decode(payload []byte) (*protobufs.AgentToServer, error) {
	if len(payload) > c.maxBytes() {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrOversized, len(payload), c.maxBytes())
	}

	nulls := 0
	for nulls < len(payload) && payload[nulls] == 0x00 {
		nulls++
		if nulls > c.maxLeadingNulls() {
			return nil, fmt.Errorf("%w: more than %d leading null bytes", ErrTruncated, c.maxLeadingNulls())
		}
	}
	body := payload[nulls:]
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrTruncated)
	}

	if err := validateLeadingTag(body); err != nil {
		return nil, err
	}

	var msg protobufs.AgentToServer
	if err := proto.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return &msg, nil
}

// Encode marshals a ServerToAgent frame and enforces the size ceiling, so an
// oversized config offer is caught before it hits the socket.
func (c Codec) Encode(msg *protobufs.ServerToAgent) ([]byte, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal server message: %w", err)
	}
	if len(payload) > c.maxBytes() {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrOversized, len(payload), c.maxBytes())
	}
	return payload, nil
}

// validateLeadingTag rejects payloads whose first varint is not a plausible
// protobuf field tag. This catches framing bugs (shifted payloads, stray
// binary) before they are misparsed as empty messages.
func validateLeadingTag(body []byte) error {
	num, typ, n := protowire.ConsumeTag(body)
	if n < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidFieldTag, protowire.ParseError(n))
	}
	if typ > protowire.Fixed32Type {
		return fmt.Errorf("%w: field %d has wire type %d", ErrInvalidFieldTag, num, typ)
	}
	return nil
}
