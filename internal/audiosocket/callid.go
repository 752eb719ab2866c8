package audiosocket

import (
	"fmt"

	"github.com/google/uuid"
)

// ParseCallID converts the 16-byte payload of an ID frame into the canonical
// textual call identifier (8-4-4-4-12 lowercase hex with dashes). The wire
// byte order is preserved verbatim; this is the only place in the codebase
// where the conversion happens.
func ParseCallID(payload []byte) (string, error) {
	if len(payload) != IDPayloadSize {
		return "", fmt.Errorf("%w: call id payload is %d bytes, want %d", ErrProtocol, len(payload), IDPayloadSize)
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		return "", fmt.Errorf("%w: parse call id: %v", ErrProtocol, err)
	}
	return id.String(), nil
}

// CallIDBytes is the inverse of [ParseCallID]: it renders a canonical textual
// call identifier back into the 16 bytes sent on the wire.
func CallIDBytes(callID string) ([]byte, error) {
	id, err := uuid.Parse(callID)
	if err != nil {
		return nil, fmt.Errorf("audiosocket: call id %q is not a canonical uuid: %w", callID, err)
	}
	b := id[:]
	return b, nil
}

// NewCallID generates a fresh canonical call identifier. Used when this
// service originates the first ID frame of an outbound leg.
func NewCallID() string {
	return uuid.NewString()
}
