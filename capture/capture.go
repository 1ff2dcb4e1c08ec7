// Package capture stores CAN frames as a stream of CBOR records. The same
// record encoding is used for captures on disk and for frames exchanged over
// the websocket bridge.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/LoveWonYoung/ican/can"
)

// Record is one captured frame. Time is Unix nanoseconds.
type Record struct {
	Time     int64  `cbor:"1,keyasint"`
	ID       uint32 `cbor:"2,keyasint"`
	Extended bool   `cbor:"3,keyasint,omitempty"`
	Remote   bool   `cbor:"4,keyasint,omitempty"`
	Data     []byte `cbor:"5,keyasint,omitempty"`
	DLC      uint8  `cbor:"6,keyasint,omitempty"` // remote frames only
}

// NewRecord captures f as seen at the given instant.
func NewRecord(f can.Frame, at time.Time) Record {
	r := Record{Time: at.UnixNano(), ID: f.ID, Extended: f.Extended, Remote: f.Remote}
	if f.Remote {
		r.DLC = f.Len
	} else {
		r.Data = f.Payload()
	}
	return r
}

// Frame rebuilds and validates the captured frame.
func (r Record) Frame() (can.Frame, error) {
	if r.Remote {
		return can.NewRemote(r.ID, r.Extended, r.DLC)
	}
	if r.Extended {
		return can.NewExtended(r.ID, r.Data)
	}
	return can.New(r.ID, r.Data)
}

// At returns the capture timestamp.
func (r Record) At() time.Time { return time.Unix(0, r.Time) }

// Marshal encodes a single record.
func Marshal(f can.Frame, at time.Time) ([]byte, error) {
	return cbor.Marshal(NewRecord(f, at))
}

// Unmarshal decodes a single record.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("capture: %w", err)
	}
	return r, nil
}

// Writer appends records to a stream.
type Writer struct {
	bw  *bufio.Writer
	enc *cbor.Encoder
	n   int
}

func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{bw: bw, enc: cbor.NewEncoder(bw)}
}

// Write appends f stamped with at.
func (w *Writer) Write(f can.Frame, at time.Time) error {
	if err := w.enc.Encode(NewRecord(f, at)); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	w.n++
	return nil
}

// Count is the number of records written.
func (w *Writer) Count() int { return w.n }

// Flush pushes buffered records to the underlying writer.
func (w *Writer) Flush() error { return w.bw.Flush() }

// Reader iterates the records of a stream.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(bufio.NewReader(r))}
}

// Next returns the next record or io.EOF at a clean end of stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("capture: %w", err)
	}
	return rec, nil
}
