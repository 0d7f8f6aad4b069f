package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/xtxerr/mbostore/internal/storage/chunk"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int

	// PageSize is the target page size in bytes
	PageSize int

	// Metadata is stored as key/value metadata in the file footer.
	Metadata map[string]string
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// String returns the config name of the compression type.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
		RowGroupSize:     100000,
		PageSize:         1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

func writerOptions(opts Options) []parquet.WriterOption {
	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.PageSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageSize))
	}

	keys := make([]string, 0, len(opts.Metadata))
	for k := range opts.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writerOpts = append(writerOpts, parquet.KeyValueMetadata(k, opts.Metadata[k]))
	}
	return writerOpts
}

// EventRow is one stored event in Parquet format. Timestamps are split
// into a per-file base and a delta-encoded offset.
type EventRow struct {
	InstrumentID uint32 `parquet:"instrument_id"`
	BaseTs       int64  `parquet:"base_ts"`
	TsDelta      int64  `parquet:"ts_delta,delta"`
	OrderID      int64  `parquet:"order_id"`
	Price        int64  `parquet:"price"`
	Size         int64  `parquet:"size"`
	Flags        int32  `parquet:"flags"`
	Action       int32  `parquet:"action"`
	Side         int32  `parquet:"side"`
	Late         bool   `parquet:"late"`
}

// Ts returns the absolute event timestamp.
func (r *EventRow) Ts() uint64 {
	return uint64(r.BaseTs + r.TsDelta)
}

// Row converts the Parquet row back into a storage row.
func (r *EventRow) Row() types.Row {
	return types.Row{
		InstrumentID: r.InstrumentID,
		TsEvent:      r.Ts(),
		OrderID:      uint64(r.OrderID),
		Price:        uint32(r.Price),
		Size:         uint32(r.Size),
		Flags:        uint8(r.Flags),
		Action:       types.Action(r.Action),
		Side:         types.Side(r.Side),
		Late:         r.Late,
	}
}

func eventRow(row *types.Row, base, delta uint64) EventRow {
	return EventRow{
		InstrumentID: row.InstrumentID,
		BaseTs:       int64(base),
		TsDelta:      int64(delta),
		OrderID:      int64(row.OrderID),
		Price:        int64(row.Price),
		Size:         int64(row.Size),
		Flags:        int32(row.Flags),
		Action:       int32(row.Action),
		Side:         int32(row.Side),
		Late:         row.Late,
	}
}

// ChunkToRows converts a chunk into Parquet rows in storage order.
// The delta column is materialized here from the chunk's minimum timestamp.
func ChunkToRows(c *chunk.Chunk) []EventRow {
	base, deltas := c.TsDeltas()
	rows := c.Rows()

	// Rows and TsDeltas take separate read locks; a sealed chunk cannot
	// change in between, an open one may have grown.
	n := min(len(rows), len(deltas))
	out := make([]EventRow, n)
	for i := 0; i < n; i++ {
		out[i] = eventRow(&rows[i], base, deltas[i])
	}
	return out
}

// RowsToEventRows converts storage rows, using the smallest timestamp as
// the base.
func RowsToEventRows(rows []types.Row) []EventRow {
	if len(rows) == 0 {
		return nil
	}

	base := rows[0].TsEvent
	for i := range rows {
		base = min(base, rows[i].TsEvent)
	}

	out := make([]EventRow, len(rows))
	for i := range rows {
		out[i] = eventRow(&rows[i], base, rows[i].TsEvent-base)
	}
	return out
}

// SummaryRow is a bucket summary in Parquet format.
type SummaryRow struct {
	InstrumentID   uint32  `parquet:"instrument_id"`
	BucketID       int64   `parquet:"bucket_id"`
	BucketStart    int64   `parquet:"bucket_start"`
	BucketEnd      int64   `parquet:"bucket_end"`
	Events         int64   `parquet:"events"`
	Adds           int64   `parquet:"adds"`
	Cancels        int64   `parquet:"cancels"`
	Executes       int64   `parquet:"executes"`
	Bids           int64   `parquet:"bids"`
	Asks           int64   `parquet:"asks"`
	Late           int64   `parquet:"late"`
	ExecutedVolume int64   `parquet:"executed_volume"`
	MinTs          int64   `parquet:"min_ts"`
	MaxTs          int64   `parquet:"max_ts"`
	MinPrice       int64   `parquet:"min_price"`
	MaxPrice       int64   `parquet:"max_price"`
	P50            float64 `parquet:"p50,optional"`
	P90            float64 `parquet:"p90,optional"`
	P99            float64 `parquet:"p99,optional"`
	Final          bool    `parquet:"final"`
}

// SummaryToRow converts a BucketSummary to a SummaryRow.
func SummaryToRow(s *types.BucketSummary) SummaryRow {
	row := SummaryRow{
		InstrumentID:   s.InstrumentID,
		BucketID:       int64(s.BucketID),
		BucketStart:    int64(s.BucketStart),
		BucketEnd:      int64(s.BucketEnd),
		Events:         s.Events,
		Adds:           s.Adds,
		Cancels:        s.Cancels,
		Executes:       s.Executes,
		Bids:           s.Bids,
		Asks:           s.Asks,
		Late:           s.Late,
		ExecutedVolume: int64(s.ExecutedVolume),
		MinTs:          int64(s.MinTs),
		MaxTs:          int64(s.MaxTs),
		MinPrice:       int64(s.MinPrice),
		MaxPrice:       int64(s.MaxPrice),
		Final:          s.Final,
	}

	if s.P50 != nil {
		row.P50 = *s.P50
	}
	if s.P90 != nil {
		row.P90 = *s.P90
	}
	if s.P99 != nil {
		row.P99 = *s.P99
	}

	return row
}

// RowToSummary converts a SummaryRow to a BucketSummary.
func RowToSummary(r *SummaryRow) types.BucketSummary {
	result := types.BucketSummary{
		InstrumentID:   r.InstrumentID,
		BucketID:       uint64(r.BucketID),
		BucketStart:    uint64(r.BucketStart),
		BucketEnd:      uint64(r.BucketEnd),
		Events:         r.Events,
		Adds:           r.Adds,
		Cancels:        r.Cancels,
		Executes:       r.Executes,
		Bids:           r.Bids,
		Asks:           r.Asks,
		Late:           r.Late,
		ExecutedVolume: uint64(r.ExecutedVolume),
		MinTs:          uint64(r.MinTs),
		MaxTs:          uint64(r.MaxTs),
		MinPrice:       uint32(r.MinPrice),
		MaxPrice:       uint32(r.MaxPrice),
		Final:          r.Final,
	}

	if r.P50 != 0 || r.P90 != 0 || r.P99 != 0 {
		result.SetPercentiles(r.P50, r.P90, r.P99)
	}

	return result
}

// rowWriter writes typed rows to a temporary file that is renamed into
// place on Close, so readers never see a partial file.
type rowWriter[T any] struct {
	mu       sync.Mutex
	path     string
	tmpPath  string
	file     *os.File
	writer   *parquet.GenericWriter[T]
	rowCount int64
	closed   bool
}

func newRowWriter[T any](path string, opts Options) (*rowWriter[T], error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	return &rowWriter[T]{
		path:    path,
		tmpPath: tmpPath,
		file:    f,
		writer:  parquet.NewGenericWriter[T](f, writerOptions(opts)...),
	}, nil
}

func (w *rowWriter[T]) write(rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

func (w *rowWriter[T]) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("sync file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("close file: %w", err)
	}

	return os.Rename(w.tmpPath, w.path)
}

// abort discards everything written so far.
func (w *rowWriter[T]) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()
	os.Remove(w.tmpPath)
}

func (w *rowWriter[T]) count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// EventWriter writes events to a Parquet file.
type EventWriter struct {
	w *rowWriter[EventRow]
}

// NewEventWriter creates a new event Parquet writer.
func NewEventWriter(path string, opts Options) (*EventWriter, error) {
	w, err := newRowWriter[EventRow](path, opts)
	if err != nil {
		return nil, err
	}
	return &EventWriter{w: w}, nil
}

// Write writes rows to the Parquet file.
func (w *EventWriter) Write(rows []EventRow) error {
	return w.w.write(rows)
}

// WriteChunk writes all rows of a chunk.
func (w *EventWriter) WriteChunk(c *chunk.Chunk) error {
	return w.w.write(ChunkToRows(c))
}

// Close flushes the file and moves it into place.
func (w *EventWriter) Close() error {
	return w.w.close()
}

// Abort discards the file.
func (w *EventWriter) Abort() {
	w.w.abort()
}

// RowCount returns the number of rows written.
func (w *EventWriter) RowCount() int64 {
	return w.w.count()
}

// Path returns the final file path.
func (w *EventWriter) Path() string {
	return w.w.path
}

// SummaryWriter writes bucket summaries to a Parquet file.
type SummaryWriter struct {
	w *rowWriter[SummaryRow]
}

// NewSummaryWriter creates a new summary Parquet writer.
func NewSummaryWriter(path string, opts Options) (*SummaryWriter, error) {
	w, err := newRowWriter[SummaryRow](path, opts)
	if err != nil {
		return nil, err
	}
	return &SummaryWriter{w: w}, nil
}

// Write writes summaries to the Parquet file.
func (w *SummaryWriter) Write(summaries []types.BucketSummary) error {
	rows := make([]SummaryRow, len(summaries))
	for i := range summaries {
		rows[i] = SummaryToRow(&summaries[i])
	}
	return w.w.write(rows)
}

// Close flushes the file and moves it into place.
func (w *SummaryWriter) Close() error {
	return w.w.close()
}

// RowCount returns the number of rows written.
func (w *SummaryWriter) RowCount() int64 {
	return w.w.count()
}

// Path returns the final file path.
func (w *SummaryWriter) Path() string {
	return w.w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
