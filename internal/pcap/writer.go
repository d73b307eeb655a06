// Package pcap records Ethernet frames in the classic libpcap file format so
// guest traffic can be inspected with tcpdump or Wireshark.
package pcap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

const (
	// LinkTypeEthernet is the DLT value for Ethernet II frames.
	LinkTypeEthernet uint32 = 1

	// DefaultSnapLen captures any frame a 1500 byte MTU tap can carry,
	// including jumbo-sized offload frames.
	DefaultSnapLen uint32 = 65535

	magicMicroseconds = 0xa1b2c3d4
	versionMajor      = 2
	versionMinor      = 4

	fileHeaderSize   = 24
	recordHeaderSize = 16
)

var ErrClosed = errors.New("pcap: recorder closed")

// Recorder appends frames to a pcap stream. It is safe for concurrent use;
// every vCPU thread may record through the same Recorder.
type Recorder struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	snapLen uint32
	now     func() time.Time
	closed  bool
}

// NewRecorder writes the global header to out and returns a Recorder that
// truncates frames to snapLen bytes. A snapLen of 0 selects DefaultSnapLen.
func NewRecorder(out io.Writer, snapLen uint32) (*Recorder, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}

	r := &Recorder{
		w:       bufio.NewWriter(out),
		snapLen: snapLen,
		now:     time.Now,
	}
	if c, ok := out.(io.Closer); ok {
		r.closer = c
	}

	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// thiszone and sigfigs stay zero
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)

	if _, err := r.w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return r, nil
}

// Create truncates or creates the file at path and records into it.
func Create(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: create %q: %w", path, err)
	}

	r, err := NewRecorder(f, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Record appends one frame stamped with the current time.
func (r *Recorder) Record(frame []byte) error {
	return r.RecordAt(r.now(), frame)
}

// RecordAt appends one frame with an explicit timestamp.
func (r *Recorder) RecordAt(ts time.Time, frame []byte) error {
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame length %d overflows uint32", len(frame))
	}

	captured := frame
	if uint32(len(captured)) > r.snapLen {
		captured = captured[:r.snapLen]
	}

	var sec, usec uint32
	if !ts.IsZero() {
		s := ts.Unix()
		if s < 0 || s > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", s)
		}
		sec = uint32(s)
		usec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(rec[0:4], sec)
	binary.LittleEndian.PutUint32(rec[4:8], usec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, err := r.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := r.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}

// Flush writes buffered records to the underlying stream.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.w.Flush(); err != nil {
		return fmt.Errorf("pcap: flush: %w", err)
	}
	return nil
}

// Close flushes the stream and closes it if it is an io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("pcap: close: %w", err)
	}
	return nil
}
