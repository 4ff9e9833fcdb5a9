// Package codec implements the Soulseek wire format described in spec
// §3-4.1: a length-prefixed, code-tagged binary frame whose payload is a
// sequence of u8/i32-LE/i64-LE/length-prefixed-UTF8-string/raw-bytes
// fields, optionally zlib-compressed. Writer builds outbound frames;
// Reader decodes inbound ones. Compression uses
// github.com/klauspost/compress/zlib, a wire-compatible, faster drop-in
// for compress/zlib — the protocol mandates real zlib framing, so a
// non-standard codec (e.g. lz4) would break interoperability with real
// Soulseek peers.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Error is the codec failure taxonomy from spec §7.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("codec: %s: %s", e.Kind, e.Msg) }

type Kind int

const (
	TruncatedField Kind = iota
	StringOverrun
	Decompression
)

func (k Kind) String() string {
	switch k {
	case TruncatedField:
		return "truncated field"
	case StringOverrun:
		return "string length overruns payload"
	case Decompression:
		return "decompression failed"
	default:
		return "unknown"
	}
}

// Writer builds one outbound Message: a length-prefixed, code-tagged
// binary frame. Field-writing methods return the Writer so calls chain.
type Writer struct {
	code     int32
	buf      bytes.Buffer
	compress bool
}

// NewWriter starts building a message carrying the given wire code. The
// caller supplies code as a plain int32 from whichever namespace
// (ServerCode, PeerCode, DistributedCode, InitCode) the destination
// connection kind expects; the encoder never renumbers it.
func NewWriter(code int32) *Writer {
	return &Writer{code: code}
}

// WriteByte appends a single byte field.
func (w *Writer) WriteByte(b byte) *Writer {
	w.buf.WriteByte(b)
	return w
}

// WriteInt32 appends a little-endian 32-bit signed integer field.
func (w *Writer) WriteInt32(v int32) *Writer {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
	return w
}

// WriteUint32 appends a little-endian 32-bit unsigned integer field.
func (w *Writer) WriteUint32(v uint32) *Writer {
	return w.WriteInt32(int32(v))
}

// WriteInt64 appends a little-endian 64-bit signed integer field.
func (w *Writer) WriteInt64(v int64) *Writer {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
	return w
}

// WriteUint64 appends a little-endian 64-bit unsigned integer field.
func (w *Writer) WriteUint64(v uint64) *Writer {
	return w.WriteInt64(int64(v))
}

// WriteString appends a length-prefixed UTF-8 string field: an i32 byte
// length followed by the raw bytes.
func (w *Writer) WriteString(s string) *Writer {
	w.WriteInt32(int32(len(s)))
	w.buf.WriteString(s)
	return w
}

// WriteBytes appends raw bytes with no length prefix of their own; the
// caller is expected to have written any length field it needs.
func (w *Writer) WriteBytes(b []byte) *Writer {
	w.buf.Write(b)
	return w
}

// Compress marks the payload to be zlib-compressed when Build is called.
func (w *Writer) Compress() *Writer {
	w.compress = true
	return w
}

// Build finalizes the message: [u32 payload_len][u32 code][payload],
// where payload_len counts the code field plus the (possibly compressed)
// payload bytes.
func (w *Writer) Build() ([]byte, error) {
	payload := w.buf.Bytes()
	if w.compress {
		compressed, err := zlibCompress(payload)
		if err != nil {
			return nil, &Error{Kind: Decompression, Msg: err.Error()}
		}
		payload = compressed
	}

	out := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(4+len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(w.code))
	copy(out[8:], payload)
	return out, nil
}

func zlibCompress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zlibDecompress(p []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Reader decodes fields from a received message's payload in order,
// advancing an internal cursor. All primitive reads are little-endian to
// match Writer.
type Reader struct {
	code    int32
	payload []byte
	pos     int
}

// NewReader wraps an already-framed (length-prefix stripped) code and
// payload for field-by-field decoding.
func NewReader(code int32, payload []byte) *Reader {
	return &Reader{code: code, payload: payload}
}

// Code returns the message code supplied at construction.
func (r *Reader) Code() int32 { return r.code }

// Position returns the current cursor offset into the payload.
func (r *Reader) Position() int { return r.pos }

// HasMore reports whether any unread bytes remain.
func (r *Reader) HasMore() bool { return r.pos < len(r.payload) }

// Seek repositions the cursor to an absolute offset.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.payload) {
		return &Error{Kind: TruncatedField, Msg: "seek out of range"}
	}
	r.pos = pos
	return nil
}

// Decompress replaces the remaining unread payload with its zlib-inflated
// form and resets the cursor to the start of the inflated bytes. Call it
// once, immediately, on a payload known to be compressed.
func (r *Reader) Decompress() error {
	inflated, err := zlibDecompress(r.payload[r.pos:])
	if err != nil {
		return &Error{Kind: Decompression, Msg: err.Error()}
	}
	r.payload = inflated
	r.pos = 0
	return nil
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.payload) {
		return &Error{Kind: TruncatedField, Msg: fmt.Sprintf("need %d bytes at offset %d, have %d", n, r.pos, len(r.payload))}
	}
	return nil
}

// ReadByte reads a single byte field.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.payload[r.pos]
	r.pos++
	return b, nil
}

// ReadInt32 reads a little-endian 32-bit signed integer field.
func (r *Reader) ReadInt32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(r.payload[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

// ReadUint32 reads a little-endian 32-bit unsigned integer field.
func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.ReadInt32()
	return uint32(v), err
}

// ReadInt64 reads a little-endian 64-bit signed integer field.
func (r *Reader) ReadInt64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.LittleEndian.Uint64(r.payload[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

// ReadUint64 reads a little-endian 64-bit unsigned integer field.
func (r *Reader) ReadUint64() (uint64, error) {
	v, err := r.ReadInt64()
	return uint64(v), err
}

// ReadString reads a length-prefixed UTF-8 string field.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 || r.pos+int(n) > len(r.payload) {
		return "", &Error{Kind: StringOverrun, Msg: fmt.Sprintf("string length %d overruns payload", n)}
	}
	s := string(r.payload[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadBytes reads n raw bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.payload[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}
