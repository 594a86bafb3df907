// Package history records per-request telemetry. Entries are handed off
// through a bounded queue so recording can never block or fail a request;
// a background worker persists them to SQLite.
package history

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one recorded request outcome.
type Entry struct {
	ID           uint      `gorm:"primaryKey"`
	CreatedAt    time.Time `gorm:"index"`
	Model        string    `gorm:"index"`
	Provider     string    `gorm:"index"`
	AccountID    string    `gorm:"index"`
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	DurationMS   int64
	Success      bool
	Error        string
}

// Sink receives telemetry entries. Implementations must not block.
type Sink interface {
	AddEntry(entry Entry)
}

// Discard is a Sink that drops everything.
type Discard struct{}

// AddEntry implements Sink.
func (Discard) AddEntry(Entry) {}

// Recorder is the SQLite-backed Sink. AddEntry enqueues without blocking;
// when the queue is full the entry is dropped and counted.
type Recorder struct {
	db      *gorm.DB
	queue   chan Entry
	wg      sync.WaitGroup
	dropped atomic.Int64

	closeOnce sync.Once
}

// NewRecorder opens (or creates) the history database and starts the writer.
func NewRecorder(path string, buffer int) (*Recorder, error) {
	if buffer <= 0 {
		buffer = 256
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err = db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	r := &Recorder{
		db:    db,
		queue: make(chan Entry, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// AddEntry implements Sink. Overflow drops the entry and logs once per drop.
func (r *Recorder) AddEntry(entry Entry) {
	if r == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case r.queue <- entry:
	default:
		dropped := r.dropped.Add(1)
		log.Warnf("history: queue full, dropped entry (%d total)", dropped)
	}
}

// Dropped reports how many entries were discarded due to a full queue.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for entry := range r.queue {
		if err := r.db.Create(&entry).Error; err != nil {
			log.Warnf("history: write failed: %v", err)
		}
	}
}

// Close drains the queue and stops the writer.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		close(r.queue)
	})
	r.wg.Wait()
}
