package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/xtxerr/mbostore/internal/storage"
	"github.com/xtxerr/mbostore/internal/storage/types"
)

// shell executes text commands against a storage service.
type shell struct {
	ctx  context.Context
	svc  *storage.Service
	out  io.Writer
	quit bool
}

type command struct {
	name  string
	usage string
	args  int // minimum argument count
	run   func(sh *shell, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"add", "add <instrument> <ts> <action> <side> <price> <size> [order_id]", 6, (*shell).add},
		{"advance", "advance <high_water>", 1, (*shell).advance},
		{"query", "query <instrument> <start> <end>", 3, (*shell).query},
		{"flushed", "flushed <instrument> <start> <end>", 3, (*shell).flushed},
		{"sql", "sql <statement>", 1, (*shell).sql},
		{"summary", "summary <instrument> <bucket>", 2, (*shell).summary},
		{"summaries", "summaries <instrument>", 1, (*shell).summaries},
		{"state", "state <instrument> <bucket>", 2, (*shell).state},
		{"stats", "stats", 0, (*shell).stats},
		{"flush", "flush", 0, (*shell).flush},
		{"reconcile", "reconcile", 0, (*shell).reconcile},
		{"prune", "prune [dry]", 0, (*shell).prune},
		{"usage", "usage", 0, (*shell).usage},
		{"requirements", "requirements", 0, (*shell).requirements},
		{"help", "help", 0, (*shell).help},
		{"exit", "exit", 0, (*shell).exit},
	}
}

func newShell(ctx context.Context, svc *storage.Service, out io.Writer) *shell {
	return &shell{ctx: ctx, svc: svc, out: out}
}

func (sh *shell) done() bool {
	return sh.quit
}

// run executes one command line and prints any error.
func (sh *shell) run(line string) {
	if err := sh.exec(line); err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
}

func (sh *shell) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}

	name, args := fields[0], fields[1:]
	if name == "quit" {
		name = "exit"
	}

	i := slices.IndexFunc(commands, func(c command) bool { return c.name == name })
	if i < 0 {
		return fmt.Errorf("unknown command %q (try help)", name)
	}
	c := commands[i]
	if len(args) < c.args {
		return fmt.Errorf("usage: %s", c.usage)
	}
	return c.run(sh, args)
}

func (sh *shell) add(args []string) error {
	inst, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}
	ts, err := parseUint(args[1], 64)
	if err != nil {
		return err
	}
	action, err := types.ParseAction(args[2])
	if err != nil {
		return err
	}
	side, err := types.ParseSide(args[3])
	if err != nil {
		return err
	}
	price, err := parseUint(args[4], 32)
	if err != nil {
		return err
	}
	size, err := parseUint(args[5], 32)
	if err != nil {
		return err
	}
	var orderID uint64
	if len(args) > 6 {
		if orderID, err = parseUint(args[6], 64); err != nil {
			return err
		}
	}

	before := sh.svc.Stats().Ingestion.EventsLate
	err = sh.svc.IngestSingle(types.MboEvent{
		InstrumentID: uint32(inst),
		TsEvent:      ts,
		OrderID:      orderID,
		Price:        uint32(price),
		Size:         uint32(size),
		Action:       action,
		Side:         side,
	})
	if err != nil {
		return err
	}

	key := types.BucketKey{InstrumentID: uint32(inst), BucketID: sh.svc.Bucketing().BucketID(ts)}
	if sh.svc.Stats().Ingestion.EventsLate > before {
		fmt.Fprintf(sh.out, "late %s\n", key)
	} else {
		fmt.Fprintf(sh.out, "chunk %s\n", key)
	}
	return nil
}

func (sh *shell) advance(args []string) error {
	hw, err := parseUint(args[0], 64)
	if err != nil {
		return err
	}
	notices, err := sh.svc.AdvanceClock(hw)
	if err != nil {
		return err
	}
	for _, n := range notices {
		fmt.Fprintf(sh.out, "sealed %s rows=%d\n", n.Key, n.Rows)
	}
	fmt.Fprintf(sh.out, "high_water %d\n", sh.svc.Stats().Partitions.HighWater)
	return nil
}

func (sh *shell) query(args []string) error {
	inst, start, end, err := parseRange(args)
	if err != nil {
		return err
	}
	var rows []types.Row
	for r := range sh.svc.RangeQuery(inst, start, end) {
		rows = append(rows, r)
	}
	sh.printRows(rows)
	return nil
}

func (sh *shell) flushed(args []string) error {
	inst, start, end, err := parseRange(args)
	if err != nil {
		return err
	}
	rows, err := sh.svc.QueryFlushed(sh.ctx, inst, start, end)
	if err != nil {
		return err
	}
	sh.printRows(rows)
	return nil
}

func (sh *shell) sql(args []string) error {
	results, err := sh.svc.QuerySQL(sh.ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(sh.out, "(0 rows)")
		return nil
	}

	cols := make([]string, 0, len(results[0]))
	for col := range results[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for _, row := range results {
		vals := make([]string, len(cols))
		for i, col := range cols {
			vals[i] = fmt.Sprint(row[col])
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t"))
	}
	tw.Flush()
	fmt.Fprintf(sh.out, "(%d rows)\n", len(results))
	return nil
}

func (sh *shell) summary(args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	s, ok := sh.svc.Summary(key)
	if !ok {
		return fmt.Errorf("no summary for %s", key)
	}
	sh.printSummaries([]types.BucketSummary{s})
	return nil
}

func (sh *shell) summaries(args []string) error {
	inst, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}
	list, err := sh.svc.QuerySummaries(sh.ctx, uint32(inst))
	if err != nil {
		return err
	}
	sh.printSummaries(list)
	return nil
}

func (sh *shell) state(args []string) error {
	key, err := parseKey(args)
	if err != nil {
		return err
	}
	state, ok := sh.svc.State(key)
	if !ok {
		return fmt.Errorf("no partition %s", key)
	}
	fmt.Fprintf(sh.out, "%s %s\n", key, state)
	return nil
}

func (sh *shell) stats(_ []string) error {
	s := sh.svc.Stats()

	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "uptime\t%s\n", s.Uptime.Round(time.Millisecond))
	fmt.Fprintf(tw, "high_water\t%d\n", s.Partitions.HighWater)
	fmt.Fprintf(tw, "partitions\t%d (open %d, grace %d, sealed %d)\n",
		s.Partitions.Partitions, s.Partitions.Open, s.Partitions.Grace, s.Partitions.Sealed)
	fmt.Fprintf(tw, "chunk_rows\t%d\n", s.Partitions.Rows)
	fmt.Fprintf(tw, "late_events\t%d in %d buckets\n", s.Deltas.Pending, s.Deltas.Buckets)
	fmt.Fprintf(tw, "events\t%d received, %d replayed\n", s.Ingestion.EventsReceived, s.Ingestion.EventsReplayed)
	fmt.Fprintf(tw, "aggregates\t%d active, %d finalized\n", s.Aggregates.ActiveAggregates, s.Aggregates.BucketsFinalized)
	fmt.Fprintf(tw, "flush\t%d chunks, %d merged, %d failed\n", s.Flush.ChunksFlushed, s.Flush.BucketsMerged, s.Flush.JobsFailed)
	fmt.Fprintf(tw, "queries\t%d in memory, %d sql\n", s.Engine.Queries, s.Query.QueriesExecuted)
	fmt.Fprintf(tw, "wal\t%d segments, %d bytes\n", s.Ingestion.WALSegments, s.Ingestion.WALBytesWritten)
	return tw.Flush()
}

func (sh *shell) flush(_ []string) error {
	n, err := sh.svc.FlushSealed()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "queued %d flushes\n", n)
	return nil
}

func (sh *shell) reconcile(_ []string) error {
	n, err := sh.svc.Reconcile()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "scheduled %d buckets\n", n)
	return nil
}

func (sh *shell) prune(args []string) error {
	results := sh.svc.Prune
	if len(args) > 0 && args[0] == "dry" {
		results = sh.svc.DryRunPrune
	}
	for _, r := range results() {
		fmt.Fprintf(sh.out, "%s cutoff=%d deleted=%d freed=%d skipped=%d errors=%d\n",
			r.Area, r.Cutoff, r.FilesDeleted, r.BytesFreed, r.FilesSkipped, len(r.Errors))
	}
	return nil
}

func (sh *shell) usage(_ []string) error {
	u := sh.svc.GetDiskUsage()
	areas := make([]string, 0, len(u))
	for area := range u {
		areas = append(areas, area)
	}
	sort.Strings(areas)
	for _, area := range areas {
		fmt.Fprintf(sh.out, "%s: %d files, %d bytes\n", area, u[area].FileCount, u[area].TotalSize)
	}
	return nil
}

func (sh *shell) requirements(_ []string) error {
	r := sh.svc.Config().CalculateRequirements()
	fmt.Fprint(sh.out, r.FormatRequirements())
	return nil
}

func (sh *shell) help(_ []string) error {
	for _, c := range commands {
		fmt.Fprintf(sh.out, "  %s\n", c.usage)
	}
	return nil
}

func (sh *shell) exit(_ []string) error {
	sh.quit = true
	return nil
}

func (sh *shell) printRows(rows []types.Row) {
	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ts\torder\taction\tside\tprice\tsize\tlate")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%d\t%d\t%v\n",
			r.TsEvent, r.OrderID, r.Action, r.Side, r.Price, r.Size, r.Late)
	}
	tw.Flush()
	fmt.Fprintf(sh.out, "(%d rows)\n", len(rows))
}

func (sh *shell) printSummaries(list []types.BucketSummary) {
	tw := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "bucket\tevents\tlate\tadds\tcancels\texecutes\tvolume\tmin\tmax\tp50\tfinal")
	for _, s := range list {
		p50 := "-"
		if s.P50 != nil {
			p50 = strconv.FormatFloat(*s.P50, 'f', 1, 64)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%v\n",
			s.Key(), s.Events, s.Late, s.Adds, s.Cancels, s.Executes,
			s.ExecutedVolume, s.MinPrice, s.MaxPrice, p50, s.Final)
	}
	tw.Flush()
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseRange(args []string) (inst uint32, start, end uint64, err error) {
	i, err := parseUint(args[0], 32)
	if err != nil {
		return 0, 0, 0, err
	}
	if start, err = parseUint(args[1], 64); err != nil {
		return 0, 0, 0, err
	}
	if end, err = parseUint(args[2], 64); err != nil {
		return 0, 0, 0, err
	}
	return uint32(i), start, end, nil
}

func parseKey(args []string) (types.BucketKey, error) {
	inst, err := parseUint(args[0], 32)
	if err != nil {
		return types.BucketKey{}, err
	}
	bucket, err := parseUint(args[1], 64)
	if err != nil {
		return types.BucketKey{}, err
	}
	return types.BucketKey{InstrumentID: uint32(inst), BucketID: bucket}, nil
}
