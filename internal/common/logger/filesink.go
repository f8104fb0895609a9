package logger

import (
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	flushInterval  = 5 * time.Second
	flushThreshold = 50
	maxBuffered    = 200
)

// bufferedFileSink batches log entries before handing them to a rotating
// file writer. Entries are flushed every flushInterval or once
// flushThreshold are queued. When the underlying write fails, entries stay
// buffered and the oldest are dropped beyond maxBuffered.
type bufferedFileSink struct {
	mu      sync.Mutex
	entries [][]byte
	file    *lumberjack.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func newBufferedFileSink(path string) *bufferedFileSink {
	s := &bufferedFileSink{
		file: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MiB
			MaxBackups: 3,
		},
		stop: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Write implements zapcore.WriteSyncer. It never blocks on disk.
func (s *bufferedFileSink) Write(p []byte) (int, error) {
	entry := make([]byte, len(p))
	copy(entry, p)

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	if len(s.entries) > maxBuffered {
		s.entries = s.entries[len(s.entries)-maxBuffered:]
	}
	shouldFlush := len(s.entries) >= flushThreshold
	s.mu.Unlock()

	if shouldFlush {
		s.flush()
	}
	return len(p), nil
}

// Sync implements zapcore.WriteSyncer.
func (s *bufferedFileSink) Sync() error {
	s.flush()
	return nil
}

// Close flushes remaining entries and stops the flush loop.
func (s *bufferedFileSink) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.flush()
	_ = s.file.Close()
}

func (s *bufferedFileSink) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			return
		}
	}
}

// flush writes queued entries in order. On failure the unwritten tail is
// retained for the next attempt.
func (s *bufferedFileSink) flush() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	for i, entry := range entries {
		if _, err := s.file.Write(entry); err != nil {
			s.mu.Lock()
			s.entries = append(entries[i:], s.entries...)
			if len(s.entries) > maxBuffered {
				s.entries = s.entries[:maxBuffered]
			}
			s.mu.Unlock()
			return
		}
	}
}
