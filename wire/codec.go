// Package wire implements the framed byte protocol spoken between hubs and
// between hubs and their clients.
//
// Every frame starts with a one-byte Opcode followed by an opcode-specific
// body built from four primitives:
//
//	string  uint16 big-endian length, UTF-8 bytes
//	int32   4 bytes big-endian
//	int64   8 bytes big-endian
//	blob    int32 length, raw bytes
//
// Writer buffers a frame until Flush; Reader decodes fields with a sticky
// error so a handler can read a whole body and check Err once.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/hubmesh/limits"
)

// ErrMalformed indicates a frame body that violates the protocol.
var ErrMalformed = errors.New("malformed frame")

// Writer encodes frame fields onto a buffered stream. Errors are sticky:
// after the first failure every call is a no-op and Flush returns the error.
// A Writer is not safe for concurrent use; callers serialize whole frames.
type Writer struct {
	bw  *bufio.Writer
	err error
	buf [8]byte
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Opcode writes a frame's leading opcode.
func (w *Writer) Opcode(op Opcode) {
	w.Byte(byte(op))
}

// Byte writes a single byte.
func (w *Writer) Byte(b byte) {
	if w.err != nil {
		return
	}
	w.err = w.bw.WriteByte(b)
}

// Bool writes a boolean as one byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

// Int32 writes a 4-byte big-endian integer.
func (w *Writer) Int32(v int32) {
	if w.err != nil {
		return
	}
	binary.BigEndian.PutUint32(w.buf[:4], uint32(v))
	_, w.err = w.bw.Write(w.buf[:4])
}

// Int writes v as an int32.
func (w *Writer) Int(v int) {
	w.Int32(int32(v))
}

// Int64 writes an 8-byte big-endian integer.
func (w *Writer) Int64(v int64) {
	if w.err != nil {
		return
	}
	binary.BigEndian.PutUint64(w.buf[:8], uint64(v))
	_, w.err = w.bw.Write(w.buf[:8])
}

// String writes a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	if w.err != nil {
		return
	}
	if len(s) > limits.MaxStringLength {
		w.err = fmt.Errorf("%w: string of %d bytes", limits.ErrMessageTooLarge, len(s))
		return
	}
	binary.BigEndian.PutUint16(w.buf[:2], uint16(len(s)))
	if _, w.err = w.bw.Write(w.buf[:2]); w.err != nil {
		return
	}
	_, w.err = w.bw.WriteString(s)
}

// Blob writes a length-prefixed byte slice.
func (w *Writer) Blob(b []byte) {
	if w.err != nil {
		return
	}
	if len(b) > limits.MaxProcessingBuffer {
		w.err = fmt.Errorf("%w: blob of %d bytes", limits.ErrMessageTooLarge, len(b))
		return
	}
	w.Int(len(b))
	if w.err != nil {
		return
	}
	_, w.err = w.bw.Write(b)
}

// Strings writes a count followed by that many strings.
func (w *Writer) Strings(list []string) {
	w.Int(len(list))
	for _, s := range list {
		w.String(s)
	}
}

// Blobs writes a count followed by that many blobs.
func (w *Writer) Blobs(list [][]byte) {
	if len(list) > limits.MaxBlobCount {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d blobs", limits.ErrTooManyElements, len(list))
		}
		return
	}
	w.Int(len(list))
	for _, b := range list {
		w.Blob(b)
	}
}

// Flush pushes buffered bytes to the stream and reports the sticky error.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.bw.Flush()
	return w.err
}

// Err returns the first error encountered, if any.
func (w *Writer) Err() error {
	return w.err
}

// Reader decodes frame fields from a buffered stream with a sticky error.
// A Reader is owned by the single goroutine reading its connection.
type Reader struct {
	br  *bufio.Reader
	err error
	buf [8]byte
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Opcode reads the next frame's opcode. Unlike the field readers it returns
// its error directly; it also resets nothing, so a sticky field error from
// the previous frame is reported first.
func (r *Reader) Opcode() (Opcode, error) {
	if r.err != nil {
		return 0, r.err
	}
	b, err := r.br.ReadByte()
	if err != nil {
		r.err = err
		return 0, err
	}
	return Opcode(b), nil
}

// Read implements io.Reader over the remaining stream, including bytes
// already buffered. It is for connections that leave framing behind after a
// handshake.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.br.Read(p)
}

// Byte reads one byte.
func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.br.ReadByte()
	if err != nil {
		r.err = err
		return 0
	}
	return b
}

// Bool reads a one-byte boolean.
func (r *Reader) Bool() bool {
	return r.Byte() != 0
}

// Int32 reads a 4-byte big-endian integer.
func (r *Reader) Int32() int32 {
	if r.err != nil {
		return 0
	}
	if _, r.err = io.ReadFull(r.br, r.buf[:4]); r.err != nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(r.buf[:4]))
}

// Int reads an int32 as int.
func (r *Reader) Int() int {
	return int(r.Int32())
}

// Int64 reads an 8-byte big-endian integer.
func (r *Reader) Int64() int64 {
	if r.err != nil {
		return 0
	}
	if _, r.err = io.ReadFull(r.br, r.buf[:8]); r.err != nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(r.buf[:8]))
}

// String reads a length-prefixed string.
func (r *Reader) String() string {
	if r.err != nil {
		return ""
	}
	if _, r.err = io.ReadFull(r.br, r.buf[:2]); r.err != nil {
		return ""
	}
	n := int(binary.BigEndian.Uint16(r.buf[:2]))
	if n == 0 {
		return ""
	}
	b := make([]byte, n)
	if _, r.err = io.ReadFull(r.br, b); r.err != nil {
		return ""
	}
	return string(b)
}

// Blob reads a length-prefixed byte slice.
func (r *Reader) Blob() []byte {
	n := r.Int()
	if r.err != nil {
		return nil
	}
	if err := limits.ValidateLength(n, limits.MaxProcessingBuffer); err != nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, err)
		return nil
	}
	b := make([]byte, n)
	if _, r.err = io.ReadFull(r.br, b); r.err != nil {
		return nil
	}
	return b
}

// Strings reads a counted list of strings.
func (r *Reader) Strings() []string {
	n := r.Int()
	if r.err != nil {
		return nil
	}
	if err := limits.ValidateCount(n, limits.MaxListLength); err != nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, err)
		return nil
	}
	list := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		list = append(list, r.String())
	}
	return list
}

// Blobs reads a counted list of blobs.
func (r *Reader) Blobs() [][]byte {
	n := r.Int()
	if r.err != nil {
		return nil
	}
	if err := limits.ValidateCount(n, limits.MaxBlobCount); err != nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, err)
		return nil
	}
	list := make([][]byte, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		list = append(list, r.Blob())
	}
	return list
}

// Fail records a protocol violation detected by the caller while decoding.
func (r *Reader) Fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	}
}

// Err returns the first error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}
