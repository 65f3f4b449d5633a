package timescale

import (
	"context"
	"regexp"
	"testing"
	"time"

	"zs-hedge-bot/internal/config"
	"zs-hedge-bot/internal/market"
	"zs-hedge-bot/internal/strategy"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSchemaCreatesTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	w := newWriter(db, config.TimescaleConfig{Schema: "zs"}, nil)

	mock.ExpectExec(regexp.QuoteMeta("CREATE SCHEMA IF NOT EXISTS zs")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS zs.bbo_snapshots")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS zs.hedge_cycles")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE EXTENSION IF NOT EXISTS timescaledb")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create_hypertable('zs.bbo_snapshots'")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("create_hypertable('zs.hedge_cycles'")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, w.ensureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBBOsBatchesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	w := newWriter(db, config.TimescaleConfig{}, nil)
	at := time.UnixMilli(1700000000000)
	batch := []market.BBO{
		{Instrument: "BTC-USD-PERP", Bid: 100, Ask: 100, BidSize: 5, AskSize: 3, At: at},
		{Instrument: "BTC-USD-PERP", Bid: 100, Ask: 100.5, BidSize: 2, AskSize: 1, At: at.Add(time.Second)},
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.bbo_snapshots (ts, instrument, bid, ask, bid_size, ask_size, spread, mid) VALUES ($1,$2,$3,$4,$5,$6,$7,$8),($9,")).
		WithArgs(
			sqlmock.AnyArg(), "BTC-USD-PERP", 100.0, 100.0, 5.0, 3.0, 0.0, 100.0,
			sqlmock.AnyArg(), "BTC-USD-PERP", 100.0, 100.5, 2.0, 1.0, 0.5, 100.25,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, w.writeBBOs(context.Background(), batch))
	assert.Equal(t, uint64(2), w.written.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteCycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	w := newWriter(db, config.TimescaleConfig{}, nil)
	opened := time.UnixMilli(1700000000000)
	rec := strategy.CycleRecord{
		Direction:    strategy.DirectionALong,
		Size:         1.5,
		OpenPrice:    100,
		ClosePrice:   100,
		OpenLatency:  120 * time.Millisecond,
		CloseLatency: 80 * time.Millisecond,
		OpenedAt:     opened,
		ClosedAt:     opened.Add(3 * time.Second),
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.hedge_cycles")).
		WithArgs(sqlmock.AnyArg(), "BTC-USD-PERP", "A_LONG", 1.5, 100.0, 100.0, 600.0, int64(120), int64(80), sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, w.writeCycle(context.Background(), cycleRow{instrument: "BTC-USD-PERP", record: rec}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunFlushesOnShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	w := newWriter(db, config.TimescaleConfig{BatchSize: 10, FlushInterval: time.Hour}, nil)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.bbo_snapshots")).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		w.Record(market.BBO{Instrument: "X", Bid: 1, Ask: 1, BidSize: 1, AskSize: 1, At: time.Now()})
	}
	w.Start(ctx)
	cancel()
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(3), w.written.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDropsWhenQueueFull(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	w := newWriter(db, config.TimescaleConfig{QueueSize: 1}, nil)
	w.Record(market.BBO{Instrument: "X"})
	w.Record(market.BBO{Instrument: "X"})
	w.RecordCycle("X", strategy.CycleRecord{})
	w.RecordCycle("X", strategy.CycleRecord{})
	bbos, cycles := w.Dropped()
	assert.Equal(t, uint64(1), bbos)
	assert.Equal(t, uint64(1), cycles)
}

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, w)
	w.Record(market.BBO{})
	assert.NoError(t, w.Close())
}
