package exchange

import (
	"context"

	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
)

// Event is a protocol notification emitted after the operation that caused it committed.
type Event interface {
	EventName() string
}

// RequestDelegated is emitted once a request and its auction record reside in the
// secondary context.
type RequestDelegated struct {
	RequestID core.ID `json:"request_id"`
	Publisher string  `json:"publisher"`
	Timestamp int64   `json:"timestamp"`
}

func (RequestDelegated) EventName() string { return "request_delegated" }

// AuctionCompleted is emitted when the outcome of an auction is booked. Winner is empty
// when no bid cleared the floor.
type AuctionCompleted struct {
	RequestID     core.ID `json:"request_id"`
	Publisher     string  `json:"publisher"`
	Winner        string  `json:"winner,omitempty"`
	ClearingPrice uint64  `json:"clearing_price"`
	Timestamp     int64   `json:"timestamp"`
}

func (AuctionCompleted) EventName() string { return "auction_completed" }

// EventSink receives protocol events. Implementations must not block for long; they run
// on the caller's goroutine.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// LogSink writes events as structured log lines.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(_ context.Context, ev Event) {
	fields := []zap.Field{zap.String("event", ev.EventName())}
	switch ev := ev.(type) {
	case RequestDelegated:
		fields = append(fields,
			zap.Stringer("request_id", ev.RequestID),
			zap.String("publisher", ev.Publisher),
			zap.Int64("timestamp", ev.Timestamp))
	case AuctionCompleted:
		fields = append(fields,
			zap.Stringer("request_id", ev.RequestID),
			zap.String("publisher", ev.Publisher),
			zap.String("winner", ev.Winner),
			zap.Uint64("clearing_price", ev.ClearingPrice),
			zap.Int64("timestamp", ev.Timestamp))
	}
	s.log.Info("protocol event", fields...)
}
