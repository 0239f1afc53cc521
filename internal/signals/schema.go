package signals

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrBadPayload marks payloads rejected before decoding: malformed JSON or
// an envelope the schema refuses. Callers use it to distinguish a bad
// request from an internal failure.
var ErrBadPayload = errors.New("invalid signal payload")

// envelopeSchema is the wire contract for inbound signal payloads.
// Structural validation happens here; semantic rules (price ordering,
// stop placement vs side) live in Validate.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "parsed"],
  "properties": {
    "signal_id": {"type": "string"},
    "received_at": {"type": "string"},
    "raw_text": {"type": "string"},
    "source": {
      "type": "object",
      "required": ["chat_id", "message_id"],
      "properties": {
        "chat_id": {"type": "integer"},
        "message_id": {"type": "integer"},
        "is_edit": {"type": "boolean"}
      }
    },
    "parsed": {
      "type": "object",
      "required": ["kind", "confidence"],
      "properties": {
        "kind": {"enum": ["ENTRY_SIGNAL", "MANAGE_ACTION", "NON_SIGNAL"]},
        "symbol": {"type": ["string", "null"]},
        "side": {"enum": ["LONG", "SHORT", null]},
        "leverage": {"type": ["integer", "null"], "minimum": 1, "maximum": 125},
        "entry": {
          "type": "object",
          "properties": {
            "type": {"enum": ["LIMIT_RANGE", "MARKET_RANGE", "MARKET", null]},
            "low": {"type": ["number", "null"]},
            "high": {"type": ["number", "null"]}
          }
        },
        "stop_loss": {"type": ["number", "null"]},
        "take_profits": {"type": "array", "items": {"type": "number"}},
        "manage": {
          "type": "object",
          "properties": {
            "reduce_pct": {"type": ["number", "null"], "minimum": 0, "maximum": 100},
            "move_sl_to_be": {"type": ["boolean", "null"]},
            "tp": {"type": "array", "items": {"type": "number"}}
          }
        },
        "quality": {"type": "number", "minimum": 0, "maximum": 1},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "notes": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = mustCompile(envelopeSchema)

func mustCompile(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("envelope.json")
}

// wire mirrors the envelope schema for unmarshalling
type wire struct {
	SignalID   string     `json:"signal_id"`
	ReceivedAt string     `json:"received_at"`
	RawText    string     `json:"raw_text"`
	Source     Source     `json:"source"`
	Parsed     wireParsed `json:"parsed"`
}

type wireParsed struct {
	Kind        Kind       `json:"kind"`
	Symbol      *string    `json:"symbol"`
	Side        *Side      `json:"side"`
	Leverage    *int       `json:"leverage"`
	Entry       wireEntry  `json:"entry"`
	StopLoss    *float64   `json:"stop_loss"`
	TakeProfits []float64  `json:"take_profits"`
	Manage      wireManage `json:"manage"`
	Quality     float64    `json:"quality"`
	Confidence  float64    `json:"confidence"`
	Notes       string     `json:"notes"`
}

type wireEntry struct {
	Type *string  `json:"type"`
	Low  *float64 `json:"low"`
	High *float64 `json:"high"`
}

type wireManage struct {
	ReducePct  *float64  `json:"reduce_pct"`
	MoveSLToBE *bool     `json:"move_sl_to_be"`
	TP         []float64 `json:"tp"`
}

// Decode validates a raw payload against the envelope schema and maps it
// into the closed Signal variant. Payloads that pass the schema but lack
// the fields their kind requires degrade to NON_SIGNAL with a note, so
// the caller always gets a recordable Signal for a structurally valid
// message. A schema violation is a hard error.
func Decode(raw []byte, now time.Time) (*Signal, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrBadPayload, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: schema validation failed: %v", ErrBadPayload, err)
	}

	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("signal payload unmarshal: %w", err)
	}

	sig := &Signal{
		ID:         w.SignalID,
		Source:     w.Source,
		RawText:    w.RawText,
		Quality:    w.Parsed.Quality,
		Confidence: w.Parsed.Confidence,
		ReceivedAt: now,
	}
	if sig.ID == "" {
		sig.ID = NewID()
	}
	if w.ReceivedAt != "" {
		if ts, err := time.Parse(time.RFC3339, w.ReceivedAt); err == nil {
			sig.ReceivedAt = ts
		}
	}

	switch w.Parsed.Kind {
	case KindEntry:
		mapEntry(sig, &w.Parsed)
	case KindManage:
		mapManage(sig, &w.Parsed)
	default:
		sig.Kind = KindNonSignal
		sig.Note = w.Parsed.Notes
	}

	return sig, nil
}

func mapEntry(sig *Signal, p *wireParsed) {
	if p.Symbol == nil || p.Side == nil || p.Entry.Type == nil {
		sig.Kind = KindNonSignal
		sig.Note = "incomplete_entry_fields"
		return
	}

	low, high := p.Entry.Low, p.Entry.High
	if low == nil && high == nil {
		sig.Kind = KindNonSignal
		sig.Note = "incomplete_entry_price"
		return
	}
	if low == nil {
		low = high
	}
	if high == nil {
		high = low
	}
	lo, hi := *low, *high
	if lo > hi {
		lo, hi = hi, lo
	}

	entryType := EntryMarket
	if *p.Entry.Type == "LIMIT_RANGE" {
		entryType = EntryLimit
	}

	entry := &EntrySignal{
		Symbol:      NormalizeSymbol(*p.Symbol),
		Quote:       "USDT",
		Side:        *p.Side,
		EntryType:   entryType,
		EntryLow:    lo,
		EntryHigh:   hi,
		TakeProfits: append([]float64(nil), p.TakeProfits...),
	}
	if p.Leverage != nil {
		entry.Leverage = *p.Leverage
	}
	if p.StopLoss != nil {
		entry.StopLoss = *p.StopLoss
	}

	sig.Kind = KindEntry
	sig.Entry = entry
}

func mapManage(sig *Signal, p *wireParsed) {
	manage := &ManageAction{Note: p.Notes}
	if p.Symbol != nil {
		manage.Symbol = NormalizeSymbol(*p.Symbol)
	}
	if p.Manage.ReducePct != nil {
		manage.ReducePct = *p.Manage.ReducePct
		manage.HasReduce = true
	}
	if p.Manage.MoveSLToBE != nil {
		manage.MoveSLToBE = *p.Manage.MoveSLToBE
	}
	if len(p.Manage.TP) > 0 {
		manage.TPPrice = p.Manage.TP[0]
	}

	if !manage.HasReduce && !manage.MoveSLToBE && manage.TPPrice == 0 {
		sig.Kind = KindNonSignal
		sig.Note = "incomplete_manage_fields"
		return
	}

	sig.Kind = KindManage
	sig.Manage = manage
}
