// Package asyncbufio decouples producers from a slow io.Writer with a
// bounded channel and a background flush loop. The recorder uses it for
// host-side mirror files, where the capture path must never block on the
// host disk.
package asyncbufio

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
type Writer struct {
	writer        *bufio.Writer // Buffered writer: this does the writing
	flushNow      chan struct{} // Channel to signal the underlying writer to flush itself
	flushComplete chan struct{} // Channel to signal underlying writer flush is complete
	datachannel   chan []byte   // Channel to hold data before writing it
	flushInterval time.Duration // Interval for flushing the writer periodically
	dropped       atomic.Uint64 // Bytes refused because the channel was full
	err           atomic.Value  // First underlying write/flush error, if any
}

// NewWriter creates a new Writer instance.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write queues a copy of p for later writing. It never blocks: when the
// channel is full the data is dropped and accounted, and io.ErrShortWrite
// comes back so the caller can tell.
func (aw *Writer) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case aw.datachannel <- buf:
		return len(p), nil
	default:
		aw.dropped.Add(uint64(len(p)))
		return 0, io.ErrShortWrite
	}
}

// DroppedBytes reports how many bytes Write has refused so far.
func (aw *Writer) DroppedBytes() uint64 {
	return aw.dropped.Load()
}

// errBox keeps atomic.Value stores mono-typed regardless of the error's
// concrete type.
type errBox struct{ err error }

// Err returns the first error the background loop hit, or nil.
func (aw *Writer) Err() error {
	if box, ok := aw.err.Load().(errBox); ok {
		return box.err
	}
	return nil
}

func (aw *Writer) keepErr(err error) {
	if err != nil {
		aw.err.CompareAndSwap(nil, errBox{err})
	}
}

// Flush drains the channel into the underlying writer and flushes it.
// Blocks until the flush is complete.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.Err()
}

// Close flushes remaining data and stops the write loop. Calling Write or
// Flush after Close panics; we don't test for that case.
func (aw *Writer) Close() error {
	close(aw.flushNow) // Closing the flushNow channel signals the writeLoop to exit
	<-aw.flushComplete // Wait until writing is complete
	return aw.Err()
}

// writeLoop is a goroutine that continuously moves data from the channel to the writer.
func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			// Signal whoever requested this that flushing is done
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) write(data []byte) {
	_, err := aw.writer.Write(data)
	aw.keepErr(err)
}

// flush empties the datachannel before finally calling the underlying
// writer's Flush method.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			aw.keepErr(aw.writer.Flush())
			return
		}
	}
}
