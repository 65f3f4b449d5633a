package market

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var recorderHeader = []string{"timestamp", "bid", "ask", "bid_size", "ask_size", "spread_pct", "zero_ms", "mid_price"}

// Recorder appends snapshots to one CSV file per UTC day under dir.
type Recorder struct {
	dir        string
	bufferSize int
	isZero     func(BBO) bool
	log        *zap.Logger

	mu        sync.Mutex
	date      string
	file      *os.File
	writer    *csv.Writer
	pending   int
	zeroStart time.Time
	total     uint64
	closed    bool
}

func NewRecorder(dir string, bufferSize int, isZero func(BBO) bool, log *zap.Logger) (*Recorder, error) {
	if dir == "" {
		return nil, errors.New("recorder dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if isZero == nil {
		isZero = func(b BBO) bool { return b.Spread() <= 0 }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{dir: dir, bufferSize: bufferSize, isZero: isZero, log: log}, nil
}

func (r *Recorder) Record(snap BBO) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	date := snap.At.UTC().Format("2006-01-02")
	if date != r.date || r.writer == nil {
		if err := r.rotate(date); err != nil {
			r.log.Warn("bbo recorder rotate failed", zap.String("date", date), zap.Error(err))
			return
		}
	}
	var zeroMS float64
	if r.isZero(snap) {
		if r.zeroStart.IsZero() {
			r.zeroStart = snap.At
		}
		zeroMS = float64(snap.At.Sub(r.zeroStart)) / float64(time.Millisecond)
	} else {
		r.zeroStart = time.Time{}
	}
	row := []string{
		strconv.FormatFloat(float64(snap.At.UnixMilli())/1000, 'f', 3, 64),
		strconv.FormatFloat(snap.Bid, 'f', -1, 64),
		strconv.FormatFloat(snap.Ask, 'f', -1, 64),
		strconv.FormatFloat(snap.BidSize, 'f', -1, 64),
		strconv.FormatFloat(snap.AskSize, 'f', -1, 64),
		strconv.FormatFloat(snap.SpreadPct(), 'f', 6, 64),
		strconv.FormatFloat(zeroMS, 'f', 1, 64),
		strconv.FormatFloat(snap.Mid(), 'f', 2, 64),
	}
	if err := r.writer.Write(row); err != nil {
		r.log.Warn("bbo recorder write failed", zap.Error(err))
		return
	}
	r.total++
	r.pending++
	if r.pending >= r.bufferSize {
		r.flush()
	}
}

func (r *Recorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flush()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flush()
	r.closed = true
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.writer = nil
	return err
}

func (r *Recorder) rotate(date string) error {
	r.flush()
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.writer = nil
	}
	path := filepath.Join(r.dir, date+".csv")
	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, os.ErrNotExist)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.file = file
	r.writer = csv.NewWriter(file)
	r.date = date
	if isNew {
		if err := r.writer.Write(recorderHeader); err != nil {
			return err
		}
		r.writer.Flush()
	}
	r.log.Info("bbo recorder file", zap.String("path", path))
	return nil
}

func (r *Recorder) flush() {
	if r.writer == nil || r.pending == 0 {
		return
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		r.log.Warn("bbo recorder flush failed", zap.Error(err))
	}
	r.pending = 0
}
