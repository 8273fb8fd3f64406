package core

import (
	"fmt"
)

// RecordKind names the record types that can be delegated to the secondary context.
type RecordKind string

const (
	KindRequest       RecordKind = "request"
	KindAuctionRecord RecordKind = "auction_record"
	KindBid           RecordKind = "bid"
)

// RecordRef addresses a delegable record. Owner is the controlling party:
// the publisher for requests and auction records, the bidder for bids.
type RecordRef struct {
	Kind  RecordKind `json:"kind"`
	Owner string     `json:"owner"`
	ID    ID         `json:"id"`
}

func RequestRef(publisher string, requestID ID) RecordRef {
	return RecordRef{Kind: KindRequest, Owner: publisher, ID: requestID}
}

func AuctionRecordRef(publisher string, requestID ID) RecordRef {
	return RecordRef{Kind: KindAuctionRecord, Owner: publisher, ID: requestID}
}

func BidRef(bidder string, creativeID ID) RecordRef {
	return RecordRef{Kind: KindBid, Owner: bidder, ID: creativeID}
}

// Key is the storage key of the record.
func (r RecordRef) Key() string {
	return string(r.Kind) + "/" + r.Owner + "/" + r.ID.String()
}

func (r RecordRef) String() string {
	return r.Key()
}

func (r RecordRef) Validate() error {
	switch r.Kind {
	case KindRequest, KindAuctionRecord, KindBid:
	default:
		return fmt.Errorf("%w: unknown record kind %q", ErrInvalidRecordRef, r.Kind)
	}
	if err := ValidateAuthority(r.Owner); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecordRef, err)
	}
	return nil
}

// Location says which execution context holds write authority over a record.
type Location string

const (
	LocationPrimary   Location = "primary"
	LocationSecondary Location = "secondary"
)

// Residency is the delegation state machine of a single record:
//
//	Primary --Delegate--> Secondary --Commit--> Secondary
//	Secondary --Undelegate--> Primary
//
// Version counts content changes. Digest covers the last committed bytes.
type Residency struct {
	Location    Location `json:"location"`
	Controller  string   `json:"controller"`
	Session     string   `json:"session,omitempty"`
	Version     uint64   `json:"version"`
	Digest      string   `json:"digest"`
	DelegatedAt int64    `json:"delegated_at,omitempty"`
	CommittedAt int64    `json:"committed_at,omitempty"`

	// PendingSession names a delegation offered to the secondary context but not yet
	// recorded here.
	PendingSession string `json:"pending_session,omitempty"`
}

// NewResidency returns the residency of a freshly created record.
func NewResidency(controller string, digest string) *Residency {
	return &Residency{
		Location:   LocationPrimary,
		Controller: controller,
		Version:    1,
		Digest:     digest,
	}
}

func (r *Residency) Delegated() bool {
	return r.Location == LocationSecondary
}

// Delegate hands write authority to the secondary context under a new session.
func (r *Residency) Delegate(session string, at int64) error {
	if r.Location != LocationPrimary {
		return ErrAlreadyDelegated
	}
	if session == "" {
		return fmt.Errorf("%w: empty session", ErrSessionMismatch)
	}
	r.Location = LocationSecondary
	r.Session = session
	r.PendingSession = ""
	r.DelegatedAt = at
	return nil
}

// Offer returns the session under which the record is handed to the secondary context.
// A session left pending by an attempt that never completed is reused, so a retry names
// the copy that attempt may have left behind.
func (r *Residency) Offer(session string) string {
	if r.PendingSession == "" {
		r.PendingSession = session
	}
	return r.PendingSession
}

// Commit records a snapshot pushed back by the secondary while delegation continues.
func (r *Residency) Commit(session string, version uint64, digest string, at int64) error {
	if err := r.checkSnapshot(session, version); err != nil {
		return err
	}
	r.Version = version
	r.Digest = digest
	r.CommittedAt = at
	return nil
}

// Undelegate records the final snapshot and returns write authority to the primary context.
func (r *Residency) Undelegate(session string, version uint64, digest string, at int64) error {
	if err := r.checkSnapshot(session, version); err != nil {
		return err
	}
	r.Location = LocationPrimary
	r.Session = ""
	r.Version = version
	r.Digest = digest
	r.CommittedAt = at
	return nil
}

// Touch records a primary-side write.
func (r *Residency) Touch(digest string) error {
	if r.Location != LocationPrimary {
		return ErrRecordDelegated
	}
	r.Version++
	r.Digest = digest
	return nil
}

func (r *Residency) checkSnapshot(session string, version uint64) error {
	if r.Location != LocationSecondary {
		return ErrNotDelegated
	}
	if r.Session != session {
		return fmt.Errorf("%w: expected %s, got %s", ErrSessionMismatch, r.Session, session)
	}
	if version < r.Version {
		return fmt.Errorf("%w: version %d is older than committed version %d", ErrStaleSnapshot, version, r.Version)
	}
	return nil
}
