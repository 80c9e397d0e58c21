package logutil

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// AsyncWriter decouples log producers from the (possibly slow) destination
// writer. Writes append to an in-memory buffer; a background goroutine hands
// filled buffers to the underlying writer. Flushes happen when a buffer
// reaches its size limit, after a fixed number of writes, or on a timer,
// whichever comes first.
type AsyncWriter struct {
	w io.Writer

	mu     sync.Mutex
	buf    *bytes.Buffer
	writes int

	bufSize     int
	flushWrites int

	pool chan *bytes.Buffer
	full chan *bytes.Buffer
	quit chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// NewAsyncWriter builds an AsyncWriter with bufCount recycled buffers of
// bufSize bytes each, flushing after flushWrites writes or flushTimeout.
func NewAsyncWriter(w io.Writer, bufSize, bufCount, flushWrites int, flushTimeout time.Duration) *AsyncWriter {
	a := &AsyncWriter{
		w:           w,
		bufSize:     bufSize,
		flushWrites: flushWrites,
		pool:        make(chan *bytes.Buffer, bufCount),
		full:        make(chan *bytes.Buffer, bufCount),
		quit:        make(chan struct{}),
	}
	for i := 0; i < bufCount; i++ {
		a.pool <- bytes.NewBuffer(make([]byte, 0, bufSize))
	}
	a.buf = <-a.pool

	a.wg.Add(1)
	go a.run(flushTimeout)
	return a
}

func (a *AsyncWriter) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.buf.Write(p)
	if err != nil {
		return n, err
	}
	a.writes++
	if a.buf.Len() >= a.bufSize || a.writes >= a.flushWrites {
		a.rotateLocked()
	}
	return n, nil
}

// rotateLocked swaps the active buffer for an empty one and queues the filled
// buffer for the background writer. Callers must hold mu.
func (a *AsyncWriter) rotateLocked() {
	if a.buf.Len() == 0 {
		return
	}
	select {
	case next := <-a.pool:
		a.full <- a.buf
		a.buf = next
		a.writes = 0
	default:
		// All buffers are in flight; drop on the floor rather than block
		// the caller. Logging must never stall the serving path.
		a.buf.Reset()
		a.writes = 0
	}
}

func (a *AsyncWriter) run(flushTimeout time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case b := <-a.full:
			_, _ = a.w.Write(b.Bytes())
			b.Reset()
			a.pool <- b
		case <-ticker.C:
			a.mu.Lock()
			a.rotateLocked()
			a.mu.Unlock()
		case <-a.quit:
			for {
				select {
				case b := <-a.full:
					_, _ = a.w.Write(b.Bytes())
					b.Reset()
				default:
					a.mu.Lock()
					if a.buf.Len() > 0 {
						_, _ = a.w.Write(a.buf.Bytes())
						a.buf.Reset()
					}
					a.mu.Unlock()
					return
				}
			}
		}
	}
}

// Close flushes pending buffers and stops the background goroutine.
func (a *AsyncWriter) Close() error {
	a.closeOnce.Do(func() {
		close(a.quit)
		a.wg.Wait()
	})
	return nil
}
