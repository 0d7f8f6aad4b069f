package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/mbostore/internal/storage/config"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// FileLocator resolves the flushed files of an instrument's buckets.
type FileLocator interface {
	Files(instrument uint32, first, last uint64) ([]string, error)
}

// SQLService queries flushed Parquet files with DuckDB.
// It only sees what has been flushed; in-memory data is served by Engine.
type SQLService struct {
	config    *config.Config
	db        *sql.DB
	files     FileLocator
	bucketing types.Bucketing

	// Statistics
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted atomic.Int64
	RowsReturned    atomic.Int64
	FilesScanned    atomic.Int64
	Errors          atomic.Int64
}

// NewSQLService opens an in-memory DuckDB database.
func NewSQLService(cfg *config.Config, bucketing types.Bucketing, files FileLocator) (*SQLService, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// Configure DuckDB
	if cfg.Query.MemoryLimit != "" {
		_, err = db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &SQLService{
		config:    cfg,
		db:        db,
		files:     files,
		bucketing: bucketing,
	}, nil
}

// Close closes the database.
func (s *SQLService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// QueryFlushed returns the flushed rows of instrument with
// start <= ts < end, ordered by timestamp. Chunk rows precede late rows
// on equal timestamps.
func (s *SQLService) QueryFlushed(ctx context.Context, instrument uint32, start, end uint64) ([]types.Row, error) {
	first, last, ok := s.bucketing.Range(start, end)
	if !ok || s.files == nil {
		return nil, nil
	}

	paths, err := s.files.Files(instrument, first, last)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("locate files: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT
			instrument_id,
			base_ts + ts_delta AS ts_event,
			order_id, price, size, flags, action, side, late
		FROM read_parquet(%s, file_row_number = true, filename = true)
		WHERE instrument_id = $1
		  AND base_ts + ts_delta >= $2
		  AND base_ts + ts_delta < $3
		ORDER BY ts_event, late, filename, file_row_number
		%s
	`, fileList(paths), s.limitClause())

	rows, err := s.db.QueryContext(ctx, query, int64(instrument), int64(start), int64(end))
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("query parquet: %w", err)
	}
	defer rows.Close()

	results, err := scanRows(rows)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.FilesScanned.Add(int64(len(paths)))
	s.stats.RowsReturned.Add(int64(len(results)))
	return results, nil
}

// QuerySummaries returns the flushed summaries of an instrument in bucket
// order. A bucket summarized more than once yields its latest row.
func (s *SQLService) QuerySummaries(ctx context.Context, instrument uint32) ([]types.BucketSummary, error) {
	pattern := filepath.Join(s.config.SummaryDir(), "*.parquet")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			instrument_id, bucket_id, bucket_start, bucket_end,
			events, adds, cancels, executes, bids, asks, late,
			executed_volume, min_ts, max_ts, min_price, max_price,
			p50, p90, p99, final
		FROM read_parquet($1, filename = true)
		WHERE instrument_id = $2
		QUALIFY row_number() OVER (PARTITION BY bucket_id ORDER BY filename DESC) = 1
		ORDER BY bucket_id
	`

	rows, err := s.db.QueryContext(ctx, query, pattern, int64(instrument))
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var results []types.BucketSummary
	for rows.Next() {
		var r types.BucketSummary
		var bucketID, bucketStart, bucketEnd, volume, minTs, maxTs, minPrice, maxPrice int64
		var p50, p90, p99 sql.NullFloat64

		err := rows.Scan(
			&r.InstrumentID, &bucketID, &bucketStart, &bucketEnd,
			&r.Events, &r.Adds, &r.Cancels, &r.Executes, &r.Bids, &r.Asks, &r.Late,
			&volume, &minTs, &maxTs, &minPrice, &maxPrice,
			&p50, &p90, &p99, &r.Final,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		r.BucketID = uint64(bucketID)
		r.BucketStart = uint64(bucketStart)
		r.BucketEnd = uint64(bucketEnd)
		r.ExecutedVolume = uint64(volume)
		r.MinTs = uint64(minTs)
		r.MaxTs = uint64(maxTs)
		r.MinPrice = uint32(minPrice)
		r.MaxPrice = uint32(maxPrice)
		if p50.Valid {
			r.SetPercentiles(p50.Float64, p90.Float64, p99.Float64)
		}

		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(results)))
	return results, nil
}

// scanRows scans event rows.
func scanRows(rows *sql.Rows) ([]types.Row, error) {
	var results []types.Row

	for rows.Next() {
		var r types.Row
		var ts, orderID, price, size int64
		var flags, action, side int32

		err := rows.Scan(&r.InstrumentID, &ts, &orderID, &price, &size, &flags, &action, &side, &r.Late)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		r.TsEvent = uint64(ts)
		r.OrderID = uint64(orderID)
		r.Price = uint32(price)
		r.Size = uint32(size)
		r.Flags = uint8(flags)
		r.Action = types.Action(action)
		r.Side = types.Side(side)

		results = append(results, r)
	}

	return results, rows.Err()
}

// fileList renders paths as a DuckDB list literal.
func fileList(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func (s *SQLService) limitClause() string {
	if s.config.Query.MaxRows > 0 {
		return fmt.Sprintf("LIMIT %d", s.config.Query.MaxRows)
	}
	return ""
}

func (s *SQLService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Query.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Query.Timeout)
	}
	return context.WithCancel(ctx)
}

// Stats returns query statistics.
func (s *SQLService) Stats() ServiceStats {
	return ServiceStats{
		QueriesExecuted: s.stats.QueriesExecuted.Load(),
		RowsReturned:    s.stats.RowsReturned.Load(),
		FilesScanned:    s.stats.FilesScanned.Load(),
		Errors:          s.stats.Errors.Load(),
	}
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	FilesScanned    int64
	Errors          int64
}

// ExecuteSQL executes a raw SQL query using DuckDB.
// This is useful for ad-hoc queries and debugging.
func (s *SQLService) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(results)))

	return results, rows.Err()
}
