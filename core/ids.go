package core

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ID is a 32-byte opaque identifier supplied by callers, e.g. a content hash.
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID decodes a 64 character hex string.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidID, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

const auctionIDPrefix = "auction-"

// DeriveAuctionID builds the display id of an auction record from its request id:
// "auction-" followed by the hex of the first 8 request id bytes, zero padded to 32 bytes.
func DeriveAuctionID(requestID ID) ID {
	var id ID
	copy(id[:], auctionIDPrefix+hex.EncodeToString(requestID[:8]))
	return id
}

// AuctionIDString returns the textual part of a derived auction id.
func AuctionIDString(id ID) string {
	return strings.TrimRight(string(id[:]), "\x00")
}

// Bounds on party records.
const (
	MaxNameLength      = 50
	MaxDomainLength    = 50
	MaxAuthorityLength = 128
)

// ValidateAuthority checks that an account identifier can be used as a record key component.
func ValidateAuthority(authority string) error {
	if authority == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAuthority)
	}
	if len(authority) > MaxAuthorityLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidAuthority, MaxAuthorityLength)
	}
	if strings.ContainsAny(authority, "/ ") {
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidAuthority, authority)
	}
	return nil
}
