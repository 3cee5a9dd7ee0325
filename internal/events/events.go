// Package events publishes ledger changes to subscribers. Events are emitted
// after the atomic unit that produced them has committed; delivery is best
// effort and never fails the operation.
package events

import (
	"context"
	"time"
)

// Type names a ledger event.
type Type string

const (
	OptionOpened     Type = "option.opened"
	OptionClosed     Type = "option.closed"
	OptionSettled    Type = "option.settled"
	OptionLiquidated Type = "option.liquidated"
	HoldingTraded    Type = "holding.traded"
	MarginCascade    Type = "margin.cascade"
	MarginCall       Type = "margin.call"
	AccountDeposit   Type = "account.deposit"
	AccountReset     Type = "account.reset"
)

// Event is one ledger change. Data is JSON-encoded by every sink.
type Event struct {
	Type      Type      `json:"type"`
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}
