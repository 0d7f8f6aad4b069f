package wal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// Record payloads use protobuf wire format, equivalent to:
//
//	message Event {
//	  uint32  instrument_id = 1;
//	  fixed64 ts_event      = 2;
//	  uint64  order_id      = 3;
//	  uint32  price         = 4;
//	  uint32  size          = 5;
//	  uint32  flags         = 6;
//	  uint32  action        = 7;
//	  uint32  side          = 8;
//	}
//	message Batch { repeated Event events = 1; }
//
// Unknown fields are skipped on decode.

const (
	fieldBatchEvents protowire.Number = 1

	fieldInstrumentID protowire.Number = 1
	fieldTsEvent      protowire.Number = 2
	fieldOrderID      protowire.Number = 3
	fieldPrice        protowire.Number = 4
	fieldSize         protowire.Number = 5
	fieldFlags        protowire.Number = 6
	fieldAction       protowire.Number = 7
	fieldSide         protowire.Number = 8
)

// encodeEvents encodes a batch of events.
func encodeEvents(events []types.MboEvent) ([]byte, error) {
	if len(events) == 0 {
		return nil, nil
	}

	// ~40 bytes per event
	buf := make([]byte, 0, len(events)*40)

	for i := range events {
		e := &events[i]
		buf = protowire.AppendTag(buf, fieldBatchEvents, protowire.BytesType)
		buf = protowire.AppendVarint(buf, uint64(eventSize(e)))
		buf = appendEvent(buf, e)
	}

	return buf, nil
}

func eventSize(e *types.MboEvent) int {
	varint := func(n protowire.Number, v uint64) int {
		return protowire.SizeTag(n) + protowire.SizeVarint(v)
	}
	return varint(fieldInstrumentID, uint64(e.InstrumentID)) +
		protowire.SizeTag(fieldTsEvent) + protowire.SizeFixed64() +
		varint(fieldOrderID, e.OrderID) +
		varint(fieldPrice, uint64(e.Price)) +
		varint(fieldSize, uint64(e.Size)) +
		varint(fieldFlags, uint64(e.Flags)) +
		varint(fieldAction, uint64(e.Action)) +
		varint(fieldSide, uint64(e.Side))
}

func appendEvent(buf []byte, e *types.MboEvent) []byte {
	buf = appendVarintField(buf, fieldInstrumentID, uint64(e.InstrumentID))
	buf = protowire.AppendTag(buf, fieldTsEvent, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, e.TsEvent)
	buf = appendVarintField(buf, fieldOrderID, e.OrderID)
	buf = appendVarintField(buf, fieldPrice, uint64(e.Price))
	buf = appendVarintField(buf, fieldSize, uint64(e.Size))
	buf = appendVarintField(buf, fieldFlags, uint64(e.Flags))
	buf = appendVarintField(buf, fieldAction, uint64(e.Action))
	buf = appendVarintField(buf, fieldSide, uint64(e.Side))
	return buf
}

func appendVarintField(buf []byte, n protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, n, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

// decodeEvents decodes a batch of events.
func decodeEvents(data []byte) ([]types.MboEvent, error) {
	var events []types.MboEvent

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, corrupt("batch tag", protowire.ParseError(n))
		}
		data = data[n:]

		if num != fieldBatchEvents || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, corrupt("batch field", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, corrupt("event", protowire.ParseError(n))
		}
		data = data[n:]

		e, err := decodeEvent(msg)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", len(events), err)
		}
		events = append(events, e)
	}

	return events, nil
}

func decodeEvent(data []byte) (types.MboEvent, error) {
	var e types.MboEvent

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, corrupt("field tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldTsEvent && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return e, corrupt("ts_event", protowire.ParseError(n))
			}
			e.TsEvent = v
			data = data[n:]

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, corrupt("varint", protowire.ParseError(n))
			}
			data = data[n:]

			switch num {
			case fieldInstrumentID:
				e.InstrumentID = uint32(v)
			case fieldOrderID:
				e.OrderID = v
			case fieldPrice:
				e.Price = uint32(v)
			case fieldSize:
				e.Size = uint32(v)
			case fieldFlags:
				e.Flags = uint8(v)
			case fieldAction:
				e.Action = types.Action(v)
			case fieldSide:
				e.Side = types.Side(v)
			}

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, corrupt("unknown field", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return e, nil
}

func corrupt(what string, err error) error {
	return fmt.Errorf("%s: %v: %w", what, err, errors.ErrCorruptRecord)
}
