package objstore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder appends primitive values to a byte slice in the layout Decoder
// reads back. It is a convenience for MarshalBinary implementations.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder whose buffer has room for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder { return &Encoder{buf: make([]byte, 0, sizeHint)} }

// Bytes returns the encoded data.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutUvarint(v uint64) { e.buf = binary.AppendUvarint(e.buf, v) }
func (e *Encoder) PutVarint(v int64)   { e.buf = binary.AppendVarint(e.buf, v) }
func (e *Encoder) PutOID(o OID)        { e.PutUvarint(uint64(o)) }

func (e *Encoder) PutFloat64(f float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(f))
}

func (e *Encoder) PutBytes(b []byte) {
	e.PutUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) PutString(s string) {
	e.PutUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) PutRect(r Rect) {
	e.PutFloat64(r.MinX)
	e.PutFloat64(r.MinY)
	e.PutFloat64(r.MaxX)
	e.PutFloat64(r.MaxY)
}

// Decoder reads values written by an Encoder. The first malformed read sets a
// sticky error; every later read returns a zero value. Callers check Err once
// at the end.
type Decoder struct {
	rest []byte
	err  error
}

// NewDecoder returns a Decoder over data.
func NewDecoder(data []byte) *Decoder { return &Decoder{rest: data} }

// Err returns the first decoding error, wrapped in ErrCorruptObject.
func (d *Decoder) Err() error { return d.err }

// Len returns the number of unread bytes.
func (d *Decoder) Len() int { return len(d.rest) }

func (d *Decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated %s", ErrCorruptObject, what)
	}
	d.rest = nil
}

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.rest)
	if n <= 0 {
		d.fail("uvarint")
		return 0
	}
	d.rest = d.rest[n:]
	return v
}

func (d *Decoder) Varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.rest)
	if n <= 0 {
		d.fail("varint")
		return 0
	}
	d.rest = d.rest[n:]
	return v
}

func (d *Decoder) OID() OID { return OID(d.Uvarint()) }

func (d *Decoder) Float64() float64 {
	if d.err != nil {
		return 0
	}
	if len(d.rest) < 8 {
		d.fail("float64")
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.rest))
	d.rest = d.rest[8:]
	return v
}

// Bytes returns a copy of the next length-prefixed byte string.
func (d *Decoder) Bytes() []byte {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.rest)) < n {
		d.fail("bytes")
		return nil
	}
	b := append([]byte(nil), d.rest[:n]...)
	d.rest = d.rest[n:]
	return b
}

func (d *Decoder) String() string {
	n := d.Uvarint()
	if d.err != nil {
		return ""
	}
	if uint64(len(d.rest)) < n {
		d.fail("string")
		return ""
	}
	s := string(d.rest[:n])
	d.rest = d.rest[n:]
	return s
}

func (d *Decoder) Rect() Rect {
	return Rect{MinX: d.Float64(), MinY: d.Float64(), MaxX: d.Float64(), MaxY: d.Float64()}
}

// encodeImage frames an object payload with its registered type name.
func encodeImage(typeName string, payload []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(typeName)+len(payload))
	buf = binary.AppendUvarint(buf, uint64(len(typeName)))
	buf = append(buf, typeName...)
	return append(buf, payload...)
}

// decodeImage splits an image produced by encodeImage.
func decodeImage(image []byte) (typeName string, payload []byte, err error) {
	n, k := binary.Uvarint(image)
	if k <= 0 || uint64(len(image)-k) < n {
		return "", nil, fmt.Errorf("%w: bad type header", ErrCorruptObject)
	}
	return string(image[k : k+int(n)]), image[k+int(n):], nil
}
