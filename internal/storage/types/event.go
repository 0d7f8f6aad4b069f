package types

import (
	"fmt"
	"time"
)

// Action is the order book action carried by an event.
type Action uint8

const (
	// ActionAdd inserts a new resting order.
	ActionAdd Action = iota
	// ActionCancel removes (part of) a resting order.
	ActionCancel
	// ActionExecute fills (part of) a resting order.
	ActionExecute
)

// String returns a human-readable representation of the Action.
func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionCancel:
		return "cancel"
	case ActionExecute:
		return "execute"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ParseAction parses a string into an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "add", "A":
		return ActionAdd, nil
	case "cancel", "C":
		return ActionCancel, nil
	case "execute", "E":
		return ActionExecute, nil
	default:
		return ActionAdd, fmt.Errorf("unknown action: %s", s)
	}
}

// Side is the book side of an event.
type Side uint8

const (
	// SideBid is the buy side.
	SideBid Side = iota
	// SideAsk is the sell side.
	SideAsk
)

// String returns a human-readable representation of the Side.
func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ParseSide parses a string into a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "bid", "B":
		return SideBid, nil
	case "ask", "S":
		return SideAsk, nil
	default:
		return SideBid, fmt.Errorf("unknown side: %s", s)
	}
}

// MboEvent is a single market-by-order event.
// This is the primary data unit flowing through the storage system.
type MboEvent struct {
	// Identity
	InstrumentID uint32

	// Timestamp
	TsEvent uint64 // Nanoseconds since the Unix epoch

	// Order
	OrderID uint64
	Price   uint32
	Size    uint32
	Flags   uint8
	Action  Action
	Side    Side
}

// Time returns the event timestamp as a time.Time.
func (e *MboEvent) Time() time.Time {
	return time.Unix(0, int64(e.TsEvent)).UTC()
}

// Row is a read-only projection of one stored event.
type Row struct {
	InstrumentID uint32
	TsEvent      uint64
	OrderID      uint64
	Price        uint32
	Size         uint32
	Flags        uint8
	Action       Action
	Side         Side

	// Late is true if the row was served from the late delta store.
	Late bool
}

// RowFromEvent projects an event into a Row.
func RowFromEvent(e *MboEvent, late bool) Row {
	return Row{
		InstrumentID: e.InstrumentID,
		TsEvent:      e.TsEvent,
		OrderID:      e.OrderID,
		Price:        e.Price,
		Size:         e.Size,
		Flags:        e.Flags,
		Action:       e.Action,
		Side:         e.Side,
		Late:         late,
	}
}

// Event converts the row back into an event.
func (r *Row) Event() MboEvent {
	return MboEvent{
		InstrumentID: r.InstrumentID,
		TsEvent:      r.TsEvent,
		OrderID:      r.OrderID,
		Price:        r.Price,
		Size:         r.Size,
		Flags:        r.Flags,
		Action:       r.Action,
		Side:         r.Side,
	}
}
