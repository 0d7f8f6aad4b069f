package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// rowReader reads typed rows from a Parquet file.
type rowReader[T any] struct {
	file   *os.File
	reader *parquet.GenericReader[T]
	path   string
}

func newRowReader[T any](path string) (*rowReader[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &rowReader[T]{
		file:   f,
		reader: parquet.NewGenericReader[T](f, parquet.ReadBufferSize(1024*1024)),
		path:   path,
	}, nil
}

// read returns up to n rows; io.EOF only once nothing is left.
func (r *rowReader[T]) read(n int) ([]T, error) {
	rows := make([]T, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return nil, err
	}
	return rows[:count], nil
}

func (r *rowReader[T]) readAll() ([]T, error) {
	rows := make([]T, r.reader.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}

	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows[:n], nil
}

func (r *rowReader[T]) close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// EventReader reads events from a Parquet file.
type EventReader struct {
	r *rowReader[EventRow]
}

// NewEventReader creates a new event Parquet reader.
func NewEventReader(path string) (*EventReader, error) {
	r, err := newRowReader[EventRow](path)
	if err != nil {
		return nil, err
	}
	return &EventReader{r: r}, nil
}

// Read reads up to n rows. It returns io.EOF when the file is exhausted.
func (r *EventReader) Read(n int) ([]types.Row, error) {
	rows, err := r.r.read(n)
	if err != nil {
		return nil, err
	}
	return toRows(rows), nil
}

// ReadAll reads all rows from the file in stored order.
func (r *EventReader) ReadAll() ([]types.Row, error) {
	rows, err := r.r.readAll()
	if err != nil {
		return nil, err
	}
	return toRows(rows), nil
}

// ReadRaw reads all Parquet rows without converting them.
func (r *EventReader) ReadRaw() ([]EventRow, error) {
	return r.r.readAll()
}

// NumRows returns the total number of rows in the file.
func (r *EventReader) NumRows() int64 {
	return r.r.reader.NumRows()
}

// Close closes the reader.
func (r *EventReader) Close() error {
	return r.r.close()
}

// Path returns the file path.
func (r *EventReader) Path() string {
	return r.r.path
}

func toRows(rows []EventRow) []types.Row {
	out := make([]types.Row, len(rows))
	for i := range rows {
		out[i] = rows[i].Row()
	}
	return out
}

// SummaryReader reads bucket summaries from a Parquet file.
type SummaryReader struct {
	r *rowReader[SummaryRow]
}

// NewSummaryReader creates a new summary Parquet reader.
func NewSummaryReader(path string) (*SummaryReader, error) {
	r, err := newRowReader[SummaryRow](path)
	if err != nil {
		return nil, err
	}
	return &SummaryReader{r: r}, nil
}

// ReadAll reads all summaries from the file.
func (r *SummaryReader) ReadAll() ([]types.BucketSummary, error) {
	rows, err := r.r.readAll()
	if err != nil {
		return nil, err
	}

	results := make([]types.BucketSummary, len(rows))
	for i := range rows {
		results[i] = RowToSummary(&rows[i])
	}
	return results, nil
}

// NumRows returns the total number of rows in the file.
func (r *SummaryReader) NumRows() int64 {
	return r.r.reader.NumRows()
}

// Close closes the reader.
func (r *SummaryReader) Close() error {
	return r.r.close()
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path     string
	Size     int64
	NumRows  int64
	NumCols  int
	Metadata map[string]string
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	info := &FileInfo{
		Path:     path,
		Size:     stat.Size(),
		NumRows:  pf.NumRows(),
		NumCols:  len(pf.Schema().Fields()),
		Metadata: make(map[string]string),
	}
	for _, kv := range pf.Metadata().KeyValueMetadata {
		info.Metadata[kv.Key] = kv.Value
	}

	return info, nil
}
