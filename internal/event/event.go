package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	BidPlaced           Type = "auction.bid_placed"
	AuctionEnded        Type = "auction.ended"
	AuctionWithdrawn    Type = "auction.withdrawn"
	PaymentTimedOut     Type = "order.payment_timeout"
	SettlementCompleted Type = "settlement.completed"
	DepositForfeited    Type = "deposit.forfeited"
)

// Event represents a single domain event. Events are published only after the
// operation that produced them has committed; subscribers must tolerate
// at-least-once delivery.
type Event struct {
	AggregateID string          `json:"aggregate_id"`
	Type        Type            `json:"type"`
	Data        json.RawMessage `json:"data"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// BidPlacedData is the payload for BidPlaced events.
type BidPlacedData struct {
	AuctionID    string `json:"auction_id"`
	BidderID     string `json:"bidder_id"`
	Amount       int64  `json:"amount"`
	CurrentPrice int64  `json:"current_price"`
}

// AuctionEndedData is the payload for AuctionEnded events.
// WinnerID is empty when the auction ended without bids.
type AuctionEndedData struct {
	AuctionID  string `json:"auction_id"`
	WinnerID   string `json:"winner_id,omitempty"`
	FinalPrice int64  `json:"final_price,omitempty"`
}

// PaymentTimedOutData is the payload for PaymentTimedOut events.
type PaymentTimedOutData struct {
	AuctionID string `json:"auction_id"`
	BidderID  string `json:"bidder_id"`
	Forfeited int64  `json:"forfeited"`
}

// SettlementCompletedData is the payload for SettlementCompleted events.
type SettlementCompletedData struct {
	AuctionID        string `json:"auction_id"`
	SellerID         string `json:"seller_id"`
	SettlementAmount int64  `json:"settlement_amount"`
	FeeAmount        int64  `json:"fee_amount"`
}

// DepositForfeitedData is the payload for DepositForfeited events.
type DepositForfeitedData struct {
	AuctionID string `json:"auction_id"`
	MemberID  string `json:"member_id"`
	Amount    int64  `json:"amount"`
}

// New builds an event for the given aggregate, marshalling data as the payload.
func New(aggregateID string, t Type, data any, at time.Time) Event {
	raw, _ := json.Marshal(data)
	return Event{
		AggregateID: aggregateID,
		Type:        t,
		Data:        raw,
		OccurredAt:  at,
	}
}
