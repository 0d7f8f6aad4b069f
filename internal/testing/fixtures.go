package testing

import (
	"math/rand"

	"github.com/xtxerr/mbostore/internal/storage/types"
)

// Event returns an add event for instrument at ts. The order id is derived
// from ts so fixtures stay distinguishable in assertions.
func Event(instrument uint32, ts uint64) types.MboEvent {
	return types.MboEvent{
		InstrumentID: instrument,
		TsEvent:      ts,
		OrderID:      1000 + ts,
		Price:        5000,
		Size:         10,
		Action:       types.ActionAdd,
		Side:         types.SideBid,
	}
}

// Events returns one add event per timestamp, in the given order.
func Events(instrument uint32, ts ...uint64) []types.MboEvent {
	events := make([]types.MboEvent, len(ts))
	for i, t := range ts {
		events[i] = Event(instrument, t)
	}
	return events
}

// RandomEvents returns n events starting at startTs with one nanosecond
// spacing and random order fields. The generator is seeded so runs repeat.
func RandomEvents(instrument uint32, n int, startTs uint64, seed int64) []types.MboEvent {
	rng := rand.New(rand.NewSource(seed))
	events := make([]types.MboEvent, n)
	for i := range events {
		events[i] = types.MboEvent{
			InstrumentID: instrument,
			TsEvent:      startTs + uint64(i),
			OrderID:      rng.Uint64(),
			Price:        uint32(1000 + rng.Intn(9000)),
			Size:         uint32(1 + rng.Intn(99)),
			Flags:        uint8(rng.Intn(16)),
			Action:       types.Action(rng.Intn(3)),
			Side:         types.Side(rng.Intn(2)),
		}
	}
	return events
}

// Shuffle returns a shuffled copy of events.
func Shuffle(events []types.MboEvent, seed int64) []types.MboEvent {
	out := make([]types.MboEvent, len(events))
	copy(out, events)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Timestamps extracts TsEvent from rows.
func Timestamps(rows []types.Row) []uint64 {
	ts := make([]uint64, len(rows))
	for i := range rows {
		ts[i] = rows[i].TsEvent
	}
	return ts
}
