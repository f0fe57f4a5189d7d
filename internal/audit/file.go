package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink writes newline-delimited JSON to a daily-rotating file,
// matching pkg/logging.ReasoningLogger's day-boundary rotation. Writes go
// through a bounded channel served by a single writer goroutine so
// Write() never blocks the caller (§4.E); on overflow the oldest queued
// entry is dropped and a counted warning is logged (§9's "bounded queue;
// overflow drops oldest with a counted warning").
type FileSink struct {
	dir    string
	prefix string
	logger *log.Logger

	queue chan Entry
	done  chan struct{}

	mu      sync.Mutex
	dropped uint64

	file    *os.File
	lastDay string
}

// NewFileSink starts the writer goroutine; dir is created if absent.
func NewFileSink(dir, prefix string, queueSize int, logger *log.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	if logger == nil {
		logger = log.Default()
	}
	f := &FileSink{
		dir:    dir,
		prefix: prefix,
		logger: logger,
		queue:  make(chan Entry, queueSize),
		done:   make(chan struct{}),
	}
	go f.run()
	return f, nil
}

// Write enqueues e without blocking, dropping the oldest queued entry on
// overflow rather than applying backpressure to the caller.
func (f *FileSink) Write(e Entry) {
	select {
	case f.queue <- e:
	default:
		select {
		case <-f.queue:
		default:
		}
		select {
		case f.queue <- e:
		default:
		}
		f.mu.Lock()
		f.dropped++
		dropped := f.dropped
		f.mu.Unlock()
		f.logger.Printf("audit: file sink queue full, dropped oldest entry (total dropped: %d)", dropped)
	}
}

func (f *FileSink) run() {
	for e := range f.queue {
		if err := f.writeEntry(e); err != nil {
			f.logger.Printf("audit: file sink write failed: %v", err)
		}
	}
	close(f.done)
}

func (f *FileSink) writeEntry(e Entry) error {
	today := time.Now().Format("2006-01-02")
	if today != f.lastDay {
		if err := f.rotate(today); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = f.file.Write(raw)
	return err
}

func (f *FileSink) rotate(day string) error {
	if f.file != nil {
		f.file.Close()
	}
	f.lastDay = day
	path := filepath.Join(f.dir, fmt.Sprintf("%s-%s.jsonl", f.prefix, day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open log file: %w", err)
	}
	f.file = file
	return nil
}

// Close stops accepting writes and waits for the queue to drain.
func (f *FileSink) Close() error {
	close(f.queue)
	<-f.done
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// Dropped returns the total count of entries dropped due to queue overflow.
func (f *FileSink) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
