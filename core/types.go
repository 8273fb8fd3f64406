package core

import (
	"fmt"
)

// RequestStatus is the lifecycle state of an auction request. Transitions only move forward.
type RequestStatus uint8

const (
	RequestOpen RequestStatus = iota
	RequestAuctionInProgress
	RequestCompleted
)

var requestStatusNames = map[RequestStatus]string{
	RequestOpen:              "open",
	RequestAuctionInProgress: "auction_in_progress",
	RequestCompleted:         "completed",
}

func (s RequestStatus) String() string {
	if name, ok := requestStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("request_status(%d)", uint8(s))
}

func (s RequestStatus) MarshalText() ([]byte, error) {
	if _, ok := requestStatusNames[s]; !ok {
		return nil, fmt.Errorf("unknown request status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *RequestStatus) UnmarshalText(text []byte) error {
	for status, name := range requestStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown request status %q", text)
}

// BidStatus is the lifecycle state of a bid. Transitions only move forward.
type BidStatus uint8

const (
	BidSubmitted BidStatus = iota
	BidAuctionInProgress
	BidWin
	BidLoss
)

var bidStatusNames = map[BidStatus]string{
	BidSubmitted:         "submitted",
	BidAuctionInProgress: "auction_in_progress",
	BidWin:               "win",
	BidLoss:              "loss",
}

func (s BidStatus) String() string {
	if name, ok := bidStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("bid_status(%d)", uint8(s))
}

func (s BidStatus) MarshalText() ([]byte, error) {
	if _, ok := bidStatusNames[s]; !ok {
		return nil, fmt.Errorf("unknown bid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *BidStatus) UnmarshalText(text []byte) error {
	for status, name := range bidStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown bid status %q", text)
}

// Final reports whether the bid has been decided by an auction.
func (s BidStatus) Final() bool {
	return s == BidWin || s == BidLoss
}

// Publisher is a registered seller of inventory.
type Publisher struct {
	Authority      string `json:"authority"`
	PaymentAddress string `json:"payment_address"`
	Name           string `json:"name"`
	Domain         string `json:"domain"`
	TotalRevenue   uint64 `json:"total_revenue"`
	CreatedAt      int64  `json:"created_at"`
}

// Bidder is a registered buyer (DSP).
type Bidder struct {
	Authority string `json:"authority"`
	Name      string `json:"name"`
	Domain    string `json:"domain"`

	// Escrowed is the running total deposited into the vault at bid time.
	Escrowed uint64 `json:"escrowed"`

	// TotalSpend is the running total of clearing prices paid on settled wins.
	TotalSpend uint64 `json:"total_spend"`

	CreatedAt int64 `json:"created_at"`
}

// ProtocolConfig is the protocol-wide configuration. It is read inside every
// transaction and passed by value into the operations that need it.
type ProtocolConfig struct {
	Authority string      `json:"authority"`
	Fees      FeeSchedule `json:"fees"`
	IsPaused  bool        `json:"is_paused"`
	TokenMint string      `json:"token_mint"`
}

// CheckActive returns ErrProtocolPaused when the halt flag is set.
func (c *ProtocolConfig) CheckActive() error {
	if c.IsPaused {
		return ErrProtocolPaused
	}
	return nil
}

// Request is a publisher's ask: a floor price and a hard expiration.
type Request struct {
	Publisher  string        `json:"publisher"`
	RequestID  ID            `json:"request_id"`
	FloorPrice uint64        `json:"floor_price"`
	Expiration int64         `json:"expiration"`
	Status     RequestStatus `json:"status"`
	CreatedAt  int64         `json:"created_at"`
}

// Ref returns the record reference of the request.
func (r *Request) Ref() RecordRef {
	return RequestRef(r.Publisher, r.RequestID)
}

// Bid is a bidder's offer against a single request. The amount is escrowed at submission.
type Bid struct {
	Bidder           string    `json:"bidder"`
	RequestPublisher string    `json:"request_publisher"`
	RequestID        ID        `json:"request_id"`
	Amount           uint64    `json:"amount"`
	CreativeID       ID        `json:"creative_id"`
	CreatedAt        int64     `json:"created_at"`
	Status           BidStatus `json:"status"`
}

// Ref returns the record reference of the bid.
func (b *Bid) Ref() RecordRef {
	return BidRef(b.Bidder, b.CreativeID)
}

// Targets reports whether the bid was placed against the given request.
func (b *Bid) Targets(req *Request) bool {
	return b.RequestPublisher == req.Publisher && b.RequestID == req.RequestID
}

// AuctionRecord holds the derived outcome of one request's auction.
type AuctionRecord struct {
	ID        ID     `json:"id"`
	RequestID ID     `json:"request_id"`
	Publisher string `json:"publisher"`

	// Winner and WinningBid are nil when the auction had no valid bid.
	Winner     *string    `json:"winner,omitempty"`
	WinningBid *RecordRef `json:"winning_bid,omitempty"`

	BidAmount        uint64 `json:"bid_amount"`
	ClearingPrice    uint64 `json:"clearing_price"`
	PublisherPayment uint64 `json:"publisher_payment"`
	PlatformFee      uint64 `json:"platform_fee"`
	ResolvedAt       int64  `json:"resolved_at"`

	// Booked is set once the fee split has been added to pending settlements.
	Booked    bool `json:"booked"`
	IsSettled bool `json:"is_settled"`
}

// NewAuctionRecord returns the empty record created alongside a request.
func NewAuctionRecord(publisher string, requestID ID) *AuctionRecord {
	return &AuctionRecord{
		ID:        DeriveAuctionID(requestID),
		RequestID: requestID,
		Publisher: publisher,
	}
}

// Ref returns the record reference of the auction record.
func (r *AuctionRecord) Ref() RecordRef {
	return AuctionRecordRef(r.Publisher, r.RequestID)
}

// Resolved reports whether the resolver has run for this record.
func (r *AuctionRecord) Resolved() bool {
	return r.ResolvedAt != 0
}

// HasWinner reports whether the auction produced a winning bid.
func (r *AuctionRecord) HasWinner() bool {
	return r.Winner != nil
}

// TokenAccount is a balance held on the payment rail.
type TokenAccount struct {
	Address string `json:"address"`
	Owner   string `json:"owner"`
	Mint    string `json:"mint"`
	Balance uint64 `json:"balance"`
}

// ExcludedBid represents a bid that was left out of an auction and why.
type ExcludedBid struct {
	Bid    RecordRef `json:"bid"`
	Reason string    `json:"reason"`
}

// Reasons reported in ExcludedBid.
const (
	ReasonBelowFloor      = "below_floor"
	ReasonRequestMismatch = "request_mismatch"
	ReasonBidClosed       = "bid_closed"
	ReasonUndecodable     = "undecodable"
	ReasonNotDelegated    = "not_delegated"
)
