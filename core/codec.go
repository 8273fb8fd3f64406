package core

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Records are persisted and exchanged between contexts as deterministic CBOR so that the same
// record always yields the same bytes, and therefore the same digest, on both sides.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("core: cbor encoding mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("core: cbor decoding mode: %v", err))
	}
}

// Marshal encodes v with the deterministic record encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a record encoded by Marshal.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// DecodeRecord decodes data into a new T.
func DecodeRecord[T any](data []byte) (*T, error) {
	var v T
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return &v, nil
}

// EncodeRecord encodes a record and computes its digest for the given version.
func EncodeRecord(ref RecordRef, version uint64, v any) ([]byte, string, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", ref, err)
	}
	return data, ComputeRecordDigest(ref.Key(), version, data), nil
}
