package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"go.uber.org/zap"
)

const (
	// maxLineBytes caps the inbound line buffer. A legitimate JSON-RPC frame
	// fits far under this; anything longer is discarded with a warning.
	maxLineBytes = 1 << 20

	// writeHighWater bounds the outbound queue. Enqueuing past this point
	// blocks the producer, which suspends backend event consumption until
	// the host drains.
	writeHighWater = 10000
)

// ErrTransportClosed is returned by Write after the transport shut down or a
// write failure made the output stream unusable.
var ErrTransportClosed = errors.New("transport closed")

// Transport reads newline-delimited JSON frames from an input stream and
// writes frames to an output stream through a single serialized writer, so
// no two frames ever interleave.
type Transport struct {
	in  io.Reader
	out io.Writer

	frames chan []byte
	writes chan []byte

	writeErr atomic.Value // error
	closed   atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}

	logger *logger.Logger
}

// NewTransport creates a transport over the given streams. Call Start before
// using Frames or Write.
func NewTransport(in io.Reader, out io.Writer, log *logger.Logger) *Transport {
	return &Transport{
		in:      in,
		out:     out,
		frames:  make(chan []byte),
		writes:  make(chan []byte, writeHighWater),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		logger:  log.WithComponent("transport"),
	}
}

// Start launches the reader and writer loops.
func (t *Transport) Start() {
	go t.readLoop()
	go t.writeLoop()
}

// Frames returns the channel of decoded inbound frames. It is closed when
// the input stream reaches EOF or the transport is closed.
func (t *Transport) Frames() <-chan []byte {
	return t.frames
}

// Write marshals msg and queues it for the single writer. It blocks when the
// queue is at its high-water mark and fails once the transport is closed or
// the output stream previously failed.
func (t *Transport) Write(msg any) error {
	if err := t.loadWriteErr(); err != nil {
		return err
	}
	if t.closed.Load() {
		return ErrTransportClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	select {
	case t.writes <- data:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

// Close shuts the transport down. Pending writes are drained before the
// writer exits.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
}

// Drain blocks until the writer has flushed all queued frames after Close.
func (t *Transport) Drain() {
	<-t.drained
}

func (t *Transport) loadWriteErr() error {
	if v := t.writeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// readLoop splits input on LF and delivers each non-empty line as one frame.
// Lines longer than maxLineBytes are discarded; bytes after the last LF are
// retained until the next read.
func (t *Transport) readLoop() {
	defer close(t.frames)

	reader := bufio.NewReaderSize(t.in, 64*1024)
	var buf bytes.Buffer
	overflow := false

	for {
		chunk, err := reader.ReadSlice('\n')
		if len(chunk) > 0 {
			complete := len(chunk) > 0 && chunk[len(chunk)-1] == '\n'
			if complete {
				chunk = chunk[:len(chunk)-1]
			}
			if overflow {
				// Still inside an oversized line; swallow until its LF.
				if complete {
					overflow = false
				}
			} else if buf.Len()+len(chunk) > maxLineBytes {
				t.logger.Warn("discarding oversized frame",
					zap.Int("buffered_bytes", buf.Len()+len(chunk)))
				buf.Reset()
				overflow = !complete
			} else {
				buf.Write(chunk)
				if complete {
					if line := buf.Bytes(); len(bytes.TrimSpace(line)) > 0 {
						frame := make([]byte, len(line))
						copy(frame, line)
						select {
						case t.frames <- frame:
						case <-t.done:
							return
						}
					}
					buf.Reset()
				}
			}
		}

		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				t.logger.Error("read loop error", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop is the single writer. After a write failure it logs once, records
// the error for subsequent Write calls, and keeps draining queued frames so
// producers do not block forever.
func (t *Transport) writeLoop() {
	defer close(t.drained)

	for {
		select {
		case data := <-t.writes:
			t.flush(data)
		case <-t.done:
			for {
				select {
				case data := <-t.writes:
					t.flush(data)
				default:
					return
				}
			}
		}
	}
}

func (t *Transport) flush(data []byte) {
	if t.loadWriteErr() != nil {
		return
	}
	if _, err := t.out.Write(data); err != nil {
		t.logger.Error("write failed, dropping subsequent frames", zap.Error(err))
		t.writeErr.Store(fmt.Errorf("%w: %v", ErrTransportClosed, err))
	}
}
