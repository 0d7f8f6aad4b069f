package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/mbostore/internal/errors"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// Reader reads event batches from WAL segment files.
type Reader struct {
	path string
	file *os.File

	// Statistics
	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	EventsRead     int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader creates a new WAL reader for a segment file.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	// Verify header
	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", walMagic, magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
	}, nil
}

// ReadAll reads all events from the segment.
//
// A torn or corrupt record ends the segment: record boundaries after it
// cannot be trusted, so the events read so far are returned.
func (r *Reader) ReadAll() ([]types.MboEvent, error) {
	var all []types.MboEvent

	for {
		events, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.stats.CorruptRecords++
			log.Warn("stopping at corrupt record", "path", r.path, "error", err)
			break
		}

		all = append(all, events...)
	}

	return all, nil
}

// ReadRecord reads the next record from the segment.
// Returns io.EOF when there are no more records.
func (r *Reader) ReadRecord() ([]types.MboEvent, error) {
	// Read record header
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record header: %v: %w", err, errors.ErrCorruptRecord)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	// Sanity check length
	if length > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d bytes: %w", length, errors.ErrCorruptRecord)
	}

	// Read payload
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		return nil, fmt.Errorf("read payload: %v: %w", err, errors.ErrCorruptRecord)
	}

	// Verify CRC
	actualCRC := crc32.ChecksumIEEE(payload)
	if actualCRC != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x: %w", expectedCRC, actualCRC, errors.ErrCorruptRecord)
	}

	events, err := decodeEvents(payload)
	if err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	r.stats.RecordsRead++
	r.stats.EventsRead += int64(len(events))
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	return events, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment is a convenience function to read all events from a segment file.
func ReadSegment(path string) ([]types.MboEvent, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}

// ReadAllSegments reads all events from multiple segment files.
// Segments are read in order.
func ReadAllSegments(paths []string) ([]types.MboEvent, error) {
	var all []types.MboEvent

	for _, path := range paths {
		events, err := ReadSegment(path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", path, err)
		}
		all = append(all, events...)
	}

	return all, nil
}

// Iterator iterates over the events of a segment one record at a time.
//
//	it, err := wal.NewIterator(path)
//	...
//	defer it.Close()
//	for it.Next() {
//	    ev := it.Event()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	reader   *Reader
	buffer   []types.MboEvent
	position int
	done     bool
	err      error
}

// NewIterator creates an iterator for a segment file.
func NewIterator(path string) (*Iterator, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}

	return &Iterator{
		reader:   r,
		position: -1,
	}, nil
}

// Next advances to the next event.
// Returns false when there are no more events or on error.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	it.position++

	// If buffer is exhausted, read next record
	for it.position >= len(it.buffer) {
		events, err := it.reader.ReadRecord()
		if err == io.EOF {
			it.done = true
			return false
		}
		if err != nil {
			it.err = err
			return false
		}

		it.buffer = events
		it.position = 0
	}

	return true
}

// Event returns the current event.
func (it *Iterator) Event() types.MboEvent {
	if it.position >= 0 && it.position < len(it.buffer) {
		return it.buffer[it.position]
	}
	return types.MboEvent{}
}

// Err returns any error encountered during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Close closes the iterator.
func (it *Iterator) Close() error {
	return it.reader.Close()
}
