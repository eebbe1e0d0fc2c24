package measurement

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// maxUTFLen is the largest string the uint16 length prefix can frame.
const maxUTFLen = math.MaxUint16

// preallocLimit bounds the up-front allocation for a decoded array, so a
// corrupt count cannot make us allocate gigabytes before the read fails.
const preallocLimit = 1 << 16

// ErrStringTooLong is returned when a name or value exceeds 65535 bytes.
var ErrStringTooLong = errors.New("string exceeds 65535 bytes")

// ErrInvalidUTF8 is returned when a name or value is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("invalid UTF-8")

// Encode writes t in the stable binary format: double, float, int and string
// sections, each a uint32 count followed by its entries in name order.
func (t *Table) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := &encoder{w: bw}
	enc.table(t)
	if enc.err != nil {
		return enc.err
	}
	return bw.Flush()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t *Table) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *Table) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	decoded, err := DecodeTable(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("measurement table: %d trailing bytes", r.Len())
	}
	*t = *decoded
	return nil
}

// DecodeTable reads one table written by Encode.
func DecodeTable(r io.Reader) (*Table, error) {
	dec := &decoder{r: r}
	t := dec.table()
	if dec.err != nil {
		return nil, fmt.Errorf("decode measurement table: %w", dec.err)
	}
	return t, nil
}

type encoder struct {
	w   io.Writer
	err error
	// wide frames strings with a uint32 length; only used for hashing, where
	// the 64 KiB limit of the persisted format must not apply.
	wide bool
	buf  [8]byte
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

func (e *encoder) u16(v uint16) {
	binary.BigEndian.PutUint16(e.buf[:2], v)
	e.write(e.buf[:2])
}

func (e *encoder) u32(v uint32) {
	binary.BigEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.BigEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *encoder) utf(s string) {
	if e.err != nil {
		return
	}
	if e.wide {
		e.u32(uint32(len(s)))
		e.write([]byte(s))
		return
	}
	if len(s) > maxUTFLen {
		e.err = fmt.Errorf("%w: %.32q...", ErrStringTooLong, s)
		return
	}
	if !utf8.ValidString(s) {
		e.err = fmt.Errorf("%w: %q", ErrInvalidUTF8, s)
		return
	}
	e.u16(uint16(len(s)))
	e.write([]byte(s))
}

func (e *encoder) table(t *Table) {
	names := t.Names(KindDouble)
	e.u32(uint32(len(names)))
	for _, name := range names {
		values := t.doubles[name]
		e.utf(name)
		e.u32(uint32(len(values)))
		for _, v := range values {
			e.u64(math.Float64bits(v))
		}
	}

	names = t.Names(KindFloat)
	e.u32(uint32(len(names)))
	for _, name := range names {
		values := t.floats[name]
		e.utf(name)
		e.u32(uint32(len(values)))
		for _, v := range values {
			e.u32(math.Float32bits(v))
		}
	}

	names = t.Names(KindInt)
	e.u32(uint32(len(names)))
	for _, name := range names {
		values := t.ints[name]
		e.utf(name)
		e.u32(uint32(len(values)))
		for _, v := range values {
			e.u32(uint32(v))
		}
	}

	names = t.Names(KindString)
	e.u32(uint32(len(names)))
	for _, name := range names {
		e.utf(name)
		e.utf(t.strs[name])
	}
}

type decoder struct {
	r   io.Reader
	err error
	buf [8]byte
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return nil
	}
	return d.buf[:n]
}

func (d *decoder) u16() uint16 {
	if b := d.read(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.read(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.read(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) utf() string {
	n := int(d.u16())
	if d.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return ""
	}
	if !utf8.Valid(b) {
		d.err = fmt.Errorf("%w in string of %d bytes", ErrInvalidUTF8, n)
		return ""
	}
	return string(b)
}

func (d *decoder) count() int {
	n := d.u32()
	if d.err == nil && n > math.MaxInt32 {
		d.err = fmt.Errorf("count %d out of range", n)
	}
	return int(n)
}

func (d *decoder) table() *Table {
	t := NewTable()

	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		name := d.utf()
		size := d.count()
		values := make([]float64, 0, min(size, preallocLimit))
		for j := 0; j < size && d.err == nil; j++ {
			values = append(values, math.Float64frombits(d.u64()))
		}
		t.doubles[name] = values
	}

	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		name := d.utf()
		size := d.count()
		values := make([]float32, 0, min(size, preallocLimit))
		for j := 0; j < size && d.err == nil; j++ {
			values = append(values, math.Float32frombits(d.u32()))
		}
		t.floats[name] = values
	}

	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		name := d.utf()
		size := d.count()
		values := make([]int32, 0, min(size, preallocLimit))
		for j := 0; j < size && d.err == nil; j++ {
			values = append(values, int32(d.u32()))
		}
		t.ints[name] = values
	}

	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		name := d.utf()
		t.strs[name] = d.utf()
	}
	return t
}
