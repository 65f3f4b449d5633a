package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"zs-hedge-bot/internal/config"
	"zs-hedge-bot/internal/market"
	"zs-hedge-bot/internal/strategy"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	writeTimeout = 3 * time.Second
	bboColumns   = 8
)

type cycleRow struct {
	instrument string
	record     strategy.CycleRecord
}

// Writer mirrors BBO snapshots and completed cycles into TimescaleDB. Writes
// are queued and never block the caller; a full queue drops rows.
type Writer struct {
	db            *sql.DB
	log           *zap.Logger
	schema        string
	batchSize     int
	flushInterval time.Duration
	bbos          chan market.BBO
	cycles        chan cycleRow
	started       atomic.Bool
	dropBBO       atomic.Uint64
	dropCycle     atomic.Uint64
	written       atomic.Uint64
	done          chan struct{}
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, cfg config.TimescaleConfig, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Writer{
		db:            db,
		log:           log,
		schema:        schema,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bbos:          make(chan market.BBO, queueSize),
		cycles:        make(chan cycleRow, queueSize),
		done:          make(chan struct{}),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Close waits for the writer loop to drain after its context ends, then
// closes the database.
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	if w.started.Load() {
		<-w.done
	}
	return w.db.Close()
}

// Record implements market.Sink.
func (w *Writer) Record(snap market.BBO) {
	if w == nil {
		return
	}
	select {
	case w.bbos <- snap:
	default:
		if w.dropBBO.Add(1) == 1 {
			w.log.Warn("timescale bbo queue full")
		}
	}
}

func (w *Writer) RecordCycle(instrument string, rec strategy.CycleRecord) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- cycleRow{instrument: instrument, record: rec}:
	default:
		if w.dropCycle.Add(1) == 1 {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

func (w *Writer) Dropped() (bbos, cycles uint64) {
	return w.dropBBO.Load(), w.dropCycle.Load()
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	batch := make([]market.BBO, 0, w.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBBOs(ctx, batch); err != nil {
			w.log.Warn("timescale bbo insert failed", zap.Int("rows", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	for {
		select {
		case <-ctx.Done():
			drainCtx := context.WithoutCancel(ctx)
		drain:
			for {
				select {
				case snap := <-w.bbos:
					batch = append(batch, snap)
					if len(batch) >= w.batchSize {
						flush(drainCtx)
					}
				default:
					break drain
				}
			}
			flush(drainCtx)
			return
		case snap := <-w.bbos:
			batch = append(batch, snap)
			if len(batch) >= w.batchSize {
				flush(ctx)
			}
		case row := <-w.cycles:
			if err := w.writeCycle(ctx, row); err != nil {
				w.log.Warn("timescale cycle insert failed", zap.Error(err))
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		bid DOUBLE PRECISION NOT NULL,
		ask DOUBLE PRECISION NOT NULL,
		bid_size DOUBLE PRECISION NOT NULL,
		ask_size DOUBLE PRECISION NOT NULL,
		spread DOUBLE PRECISION NOT NULL,
		mid DOUBLE PRECISION NOT NULL
	)`, w.table("bbo_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		direction TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		open_price DOUBLE PRECISION NOT NULL,
		close_price DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		open_latency_ms BIGINT NOT NULL,
		close_latency_ms BIGINT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		forced BOOLEAN NOT NULL
	)`, w.table("hedge_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"bbo_snapshots", "hedge_cycles"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeBBOs(ctx context.Context, batch []market.BBO) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (ts, instrument, bid, ask, bid_size, ask_size, spread, mid) VALUES ", w.table("bbo_snapshots"))
	args := make([]any, 0, len(batch)*bboColumns)
	for i, snap := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * bboColumns
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, snap.At.UTC(), snap.Instrument, snap.Bid, snap.Ask, snap.BidSize, snap.AskSize, snap.Spread(), snap.Mid())
	}
	if _, err := w.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return err
	}
	w.written.Add(uint64(len(batch)))
	return nil
}

func (w *Writer) writeCycle(ctx context.Context, row cycleRow) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	rec := row.record
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, direction, size, open_price, close_price, volume,
		open_latency_ms, close_latency_ms, opened_at, forced
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, w.table("hedge_cycles"))
	_, err := w.db.ExecContext(ctx, query,
		rec.ClosedAt.UTC(),
		row.instrument,
		string(rec.Direction),
		rec.Size,
		rec.OpenPrice,
		rec.ClosePrice,
		strategy.CycleVolume(rec.OpenPrice, rec.Size),
		rec.OpenLatency.Milliseconds(),
		rec.CloseLatency.Milliseconds(),
		rec.OpenedAt.UTC(),
		rec.Forced,
	)
	return err
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
