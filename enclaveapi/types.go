// Package enclaveapi defines the wire protocol between the primary context and the
// secondary execution context that runs delegated auctions.
//
// Every connection carries one CBOR Envelope from the caller and one CBOR Response back.
package enclaveapi

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/cloudx-io/adexchange/core"
)

// Message types.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeDelegate       = "delegate"
	TypeProcessAuction = "process_auction"
	TypeCommit         = "commit"
	TypeUndelegate     = "undelegate"
	TypeRelease        = "release"
	TypeError          = "error"
)

// Envelope frames a request. Body holds the CBOR of the request named by Type.
type Envelope struct {
	Type string          `json:"type"`
	Body cbor.RawMessage `json:"body,omitempty"`
}

// Response frames a reply. Code carries the core error code when Success is false.
type Response struct {
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Body      cbor.RawMessage `json:"body,omitempty"`
}

// Handle names a record held by the secondary context under a delegation session.
type Handle struct {
	Ref     core.RecordRef `json:"ref"`
	Session string         `json:"session"`
}

// DelegatedRecord is a record snapshot crossing between the contexts.
type DelegatedRecord struct {
	Ref     core.RecordRef `json:"ref"`
	Session string         `json:"session"`
	Data    []byte         `json:"data"`
	Version uint64         `json:"version"`
	Digest  string         `json:"digest"`
}

func (r DelegatedRecord) Handle() Handle {
	return Handle{Ref: r.Ref, Session: r.Session}
}

type PingResponse struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type DelegateRequest struct {
	Records []DelegatedRecord `json:"records"`
	Now     int64             `json:"now"`
}

type DelegateResponse struct {
	Accepted []Handle `json:"accepted"`
}

// ProcessAuctionRequest resolves the auction of Request against Bids. Bid handles that
// do not name a held bid are reported as excluded rather than failing the call.
type ProcessAuctionRequest struct {
	Config  core.ProtocolConfig `json:"config"`
	Request Handle              `json:"request"`
	Record  Handle              `json:"record"`
	Bids    []Handle            `json:"bids"`
	Now     int64               `json:"now"`
}

type ProcessAuctionResponse struct {
	Winner         *core.RecordRef    `json:"winner,omitempty"`
	RunnerUp       *core.RecordRef    `json:"runner_up,omitempty"`
	ClearingPrice  uint64             `json:"clearing_price"`
	Updated        []Handle           `json:"updated"`
	Excluded       []core.ExcludedBid `json:"excluded,omitempty"`
	FloorRejected  []core.ExcludedBid `json:"floor_rejected,omitempty"`
	ProcessingTime int64              `json:"processing_time_ms"`
}

// CommitRequest asks for the current snapshots of the named records. Nonce is chosen by
// the primary and bound into the batch hash.
type CommitRequest struct {
	Handles []Handle `json:"handles"`
	Nonce   string   `json:"nonce"`
}

type CommitResponse struct {
	Records     []DelegatedRecord `json:"records"`
	BatchHash   string            `json:"batch_hash"`
	Attestation AttestationCOSE   `json:"attestation,omitempty"`
}

// UndelegateRequest is a final commit: afterwards the secondary refuses further
// processing of the records.
type UndelegateRequest CommitRequest

type UndelegateResponse CommitResponse

// ReleaseRequest drops the secondary's copies of the records.
type ReleaseRequest struct {
	Handles []Handle `json:"handles"`
}

type ReleaseResponse struct {
	Released int `json:"released"`
}

// Digests returns the digests of the snapshots in order.
func (r *CommitResponse) Digests() []string {
	digests := make([]string, len(r.Records))
	for i, rec := range r.Records {
		digests[i] = rec.Digest
	}
	return digests
}
