package parsing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EmptyHeader is the CBOR encoding of an empty header map.
var EmptyHeader = cbor.RawMessage{0xa0}

// Sign1 is a COSE_Sign1 message in the untagged four element form the Nitro Secure
// Module emits.
type Sign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// DecodeSign1 decodes a COSE_Sign1 message. A detached payload is rejected.
func DecodeSign1(data []byte) (*Sign1, error) {
	var msg Sign1
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse COSE_Sign1: %w", err)
	}
	if len(msg.Payload) == 0 {
		return nil, fmt.Errorf("COSE_Sign1 has no payload")
	}
	return &msg, nil
}

// ToBeSigned returns the Sig_structure ["Signature1", protected, external_aad, payload]
// covered by the signature. External AAD is always empty.
func (m *Sign1) ToBeSigned() ([]byte, error) {
	return cbor.Marshal([]any{"Signature1", m.Protected, []byte{}, m.Payload})
}

func (m *Sign1) Encode() ([]byte, error) {
	return cbor.Marshal(m)
}
