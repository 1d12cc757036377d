// Package npymirror writes capture mirrors as .npy arrays: one row per
// DMA half-buffer of interleaved int16 samples, appendable while the
// capture runs. The fixed-size header is rewritten with the final shape
// on Refresh and Close, so the file stays loadable for offline bit-exact
// comparison against what the hardware delivered.
package npymirror

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/audiodaq/audiard/asyncbufio"
	"github.com/audiodaq/audiard/getbytes"
)

const (
	headerLen = 128
	magic     = "\x93NUMPY\x01\x00"

	queueDepth    = 64
	flushInterval = 500 * time.Millisecond
)

// Appender appends int16 sample rows to a .npy file. Row writes go through
// an asynchronous buffer and never block the caller; when the host disk
// falls behind, whole rows are refused instead, keeping the byte stream
// row-aligned.
type Appender struct {
	filename string
	file     *os.File
	w        *asyncbufio.Writer
	cols     int
	rows     int
}

// Create opens filename and writes a zero-row header for rows of cols
// interleaved samples.
func Create(filename string, cols int) (*Appender, error) {
	if cols < 1 {
		return nil, fmt.Errorf("npymirror: need at least one column, got %d", cols)
	}
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	a := &Appender{filename: filename, file: file, cols: cols}
	if err := a.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}
	a.w = asyncbufio.NewWriter(file, queueDepth, flushInterval)
	return a, nil
}

// writeHeader rewrites the fixed 128-byte version 1.0 header in place with
// the current shape. Callers must have no row bytes in flight.
func (a *Appender) writeHeader() error {
	dict := fmt.Sprintf("{'descr': '<i2', 'fortran_order': False, 'shape': (%d, %d), }",
		a.rows, a.cols)
	if len(dict) > headerLen-len(magic)-2-1 {
		return fmt.Errorf("npymirror: header dict of %d bytes does not fit", len(dict))
	}
	hdr := make([]byte, headerLen)
	copy(hdr, magic)
	binary.LittleEndian.PutUint16(hdr[8:], uint16(headerLen-len(magic)-2))
	n := copy(hdr[10:], dict)
	for i := 10 + n; i < headerLen-1; i++ {
		hdr[i] = ' '
	}
	hdr[headerLen-1] = '\n'
	_, err := a.file.WriteAt(hdr, 0)
	return err
}

// AppendRow queues one half-buffer of samples. A refused row (host disk
// behind) is reported but already counted in DroppedBytes; callers treat
// the mirror as best-effort.
func (a *Appender) AppendRow(samples []int16) error {
	if len(samples) != a.cols {
		return fmt.Errorf("npymirror: row of %d samples, want %d", len(samples), a.cols)
	}
	if _, err := a.w.Write(getbytes.FromSliceInt16(samples)); err != nil {
		return err
	}
	a.rows++
	return nil
}

// Rows reports how many rows have been accepted so far.
func (a *Appender) Rows() int { return a.rows }

// DroppedBytes counts mirror bytes refused because the host disk fell
// behind.
func (a *Appender) DroppedBytes() uint64 { return a.w.DroppedBytes() }

// Filename returns the path this appender writes.
func (a *Appender) Filename() string { return a.filename }

// Refresh drains queued rows and rewrites the header shape, making the
// file loadable while still open.
func (a *Appender) Refresh() error {
	if err := a.w.Flush(); err != nil {
		return err
	}
	return a.writeHeader()
}

// Close drains the queue, finalizes the header, and closes the file.
func (a *Appender) Close() error {
	err := a.w.Close()
	if herr := a.writeHeader(); err == nil {
		err = herr
	}
	if cerr := a.file.Close(); err == nil {
		err = cerr
	}
	return err
}
