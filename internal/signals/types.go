// Package signals defines the inbound signal model. A raw message is
// decoded at the ingestion boundary into exactly one of three variants:
// an entry signal, a manage action, or a non-signal. Everything past
// this boundary works with the typed form only.
package signals

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the parsed variants
type Kind string

const (
	KindEntry     Kind = "ENTRY_SIGNAL"
	KindManage    Kind = "MANAGE_ACTION"
	KindNonSignal Kind = "NON_SIGNAL"
)

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryType selects market vs limit entry execution
type EntryType string

const (
	EntryMarket EntryType = "MARKET"
	EntryLimit  EntryType = "LIMIT"
)

// Source identifies the upstream message a signal came from. ChatID and
// MessageID together are the idempotency key; Version increments when the
// upstream edits the message.
type Source struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
	IsEdit    bool  `json:"is_edit"`
}

// EntrySignal is a request to open a position
type EntrySignal struct {
	Symbol      string    `json:"symbol"`
	Quote       string    `json:"quote"`
	Side        Side      `json:"side"`
	Leverage    int       `json:"leverage"` // 0 means unspecified
	EntryType   EntryType `json:"entry_type"`
	EntryLow    float64   `json:"entry_low"`
	EntryHigh   float64   `json:"entry_high"`
	StopLoss    float64   `json:"stop_loss"` // 0 means none provided
	TakeProfits []float64 `json:"take_profits"`
}

// ManageAction is a request to modify an existing position
type ManageAction struct {
	Symbol     string  `json:"symbol"` // may be empty; resolved from last entry
	ReducePct  float64 `json:"reduce_pct"`
	HasReduce  bool    `json:"has_reduce"`
	MoveSLToBE bool    `json:"move_sl_to_be"`
	TPPrice    float64 `json:"tp_price"` // 0 means none
	Note       string  `json:"note"`
}

// Signal is the closed tagged variant produced by Decode. Exactly one of
// Entry and Manage is non-nil; for KindNonSignal both are nil and Note
// explains why.
type Signal struct {
	ID         string        `json:"signal_id"`
	Source     Source        `json:"source"`
	Kind       Kind          `json:"kind"`
	Entry      *EntrySignal  `json:"entry,omitempty"`
	Manage     *ManageAction `json:"manage,omitempty"`
	Note       string        `json:"note,omitempty"`
	Quality    float64       `json:"quality"`
	Confidence float64       `json:"confidence"`
	RawText    string        `json:"raw_text"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Age returns how long ago the signal was received
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.ReceivedAt)
}

// NewID returns a fresh signal identifier
func NewID() string {
	return uuid.New().String()
}

// NormalizeSymbol upper-cases a symbol and strips slash separators,
// so "eth/usdt" and "ETHUSDT" compare equal.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}
