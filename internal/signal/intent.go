// Package signal defines the structured trade intent delivered by the
// upstream chat parser, and the fingerprints used for idempotency.
package signal

import (
	"errors"
	"strings"
)

// Action is the kind of operation an intent requests.
type Action string

const (
	ActionEntry    Action = "ENTRY"
	ActionDCAEntry Action = "DCA_ENTRY"
	ActionClose    Action = "CLOSE"
	ActionMoveSL   Action = "MOVE_SL"
	ActionCancel   Action = "CANCEL"
	ActionInfo     Action = "INFO"
)

// PositionSide is the direction of the intended position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Source carries audit-only provenance of the upstream message.
type Source struct {
	Platform   string `json:"platform,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// TradeIntent is one parsed trading instruction. It is immutable for the
// duration of a dispatch; the symbol-fallback preprocessing copies it before
// rewriting the symbol.
type TradeIntent struct {
	Action        Action       `json:"action"`
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side,omitempty"` // empty allowed only for DCA onto an existing position
	EntryPrice    float64      `json:"entry_price,omitempty"`
	StopLoss      float64      `json:"stop_loss,omitempty"`
	TakeProfit    float64      `json:"take_profit,omitempty"`
	NewStopLoss   float64      `json:"new_stop_loss,omitempty"`
	NewTakeProfit float64      `json:"new_take_profit,omitempty"`
	CloseRatio    float64      `json:"close_ratio,omitempty"` // (0,1]; 0 means full close
	Source        Source       `json:"source,omitempty"`
}

var (
	ErrSymbolRequired = errors.New("symbol is required")
	ErrBadAction      = errors.New("unknown action")
	ErrBadSide        = errors.New("side must be LONG or SHORT")
	ErrBadCloseRatio  = errors.New("close_ratio must be in (0, 1]")
)

// Validate normalizes and checks an inbound intent.
func (t *TradeIntent) Validate() error {
	t.Action = Action(strings.ToUpper(string(t.Action)))
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	t.Side = PositionSide(strings.ToUpper(string(t.Side)))

	switch t.Action {
	case ActionEntry, ActionDCAEntry, ActionClose, ActionMoveSL, ActionCancel, ActionInfo:
	default:
		return ErrBadAction
	}
	if t.Action != ActionInfo && t.Symbol == "" {
		return ErrSymbolRequired
	}
	switch t.Side {
	case Long, Short:
	case "":
		if t.Action == ActionEntry {
			return ErrBadSide
		}
	default:
		return ErrBadSide
	}
	if t.CloseRatio < 0 || t.CloseRatio > 1 {
		return ErrBadCloseRatio
	}
	return nil
}

// IsDCA reports whether the intent adds to an existing position.
func (t *TradeIntent) IsDCA() bool { return t.Action == ActionDCAEntry }

// sideToken is the side component of fingerprints. DCA intents hash as the
// literal "DCA" so a DCA never collides with a fresh entry.
func (t *TradeIntent) sideToken() string {
	if t.IsDCA() {
		return "DCA"
	}
	return string(t.Side)
}
