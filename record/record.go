// Package record defines the universal record type ingested, stored,
// and queried throughout the engine, and its binary encoding. The
// layout is shared uniformly by the WAL, SSTable data blocks, and
// in-memory handoff between components, following the teacher's
// model/record package's length-prefixed, little-endian convention.
package record

import (
	"encoding/binary"
	"math"

	"tsdb/errs"
)

// ValueKind distinguishes a scalar float64 value from an ordered
// sequence of float64s. A Record carries exactly one.
type ValueKind uint8

const (
	ValueScalar ValueKind = 0
	ValueVector ValueKind = 1
)

// Record is immutable once constructed; callers that need to change a
// field must build a new Record.
type Record struct {
	Timestamp int64 // microseconds since an arbitrary epoch

	Kind   ValueKind
	Scalar float64
	Vector []float64

	Tags   map[string]string
	Fields map[string]string
}

// NewScalar builds a scalar-valued record.
func NewScalar(ts int64, value float64, tags, fields map[string]string) *Record {
	return &Record{Timestamp: ts, Kind: ValueScalar, Scalar: value, Tags: tags, Fields: fields}
}

// NewVector builds a vector-valued record.
func NewVector(ts int64, value []float64, tags, fields map[string]string) *Record {
	return &Record{Timestamp: ts, Kind: ValueVector, Vector: value, Tags: tags, Fields: fields}
}

// Tag returns the value for a tag key and whether it was present.
func (r *Record) Tag(key string) (string, bool) {
	v, ok := r.Tags[key]
	return v, ok
}

// Field returns the value for a field key and whether it was present.
func (r *Record) Field(key string) (string, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// Clone returns a deep copy, so callers may safely mutate the result's
// maps without affecting the original immutable record.
func (r *Record) Clone() *Record {
	cp := &Record{Timestamp: r.Timestamp, Kind: r.Kind, Scalar: r.Scalar}
	if r.Vector != nil {
		cp.Vector = append([]float64(nil), r.Vector...)
	}
	cp.Tags = cloneMap(r.Tags)
	cp.Fields = cloneMap(r.Fields)
	return cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// EncodedSize returns the exact byte length Encode will produce,
// without performing the encode. Implementations may cache this
// against repeated WAL+MemTable dual writes; this engine recomputes it
// since records are small and immutable.
func (r *Record) EncodedSize() int {
	n := 8 + 1 // timestamp + value_kind
	if r.Kind == ValueScalar {
		n += 8
	} else {
		n += 8 + 8*len(r.Vector)
	}
	n += 4 // tag_count
	for k, v := range r.Tags {
		n += 4 + len(k) + 4 + len(v)
	}
	n += 4 // field_count
	for k, v := range r.Fields {
		n += 4 + len(k) + 4 + len(v)
	}
	return n
}

// Encode serializes r per the layout in §4.1: all integers
// little-endian, length-prefixed strings, a scalar/vector union tagged
// by value_kind.
func (r *Record) Encode() []byte {
	buf := make([]byte, r.EncodedSize())
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], uint64(r.Timestamp))
	off += 8

	buf[off] = byte(r.Kind)
	off++

	if r.Kind == ValueScalar {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(r.Scalar))
		off += 8
	} else {
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(r.Vector)))
		off += 8
		for _, v := range r.Vector {
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
			off += 8
		}
	}

	off = putMap(buf, off, r.Tags)
	off = putMap(buf, off, r.Fields)

	return buf[:off]
}

func putMap(buf []byte, off int, m map[string]string) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m)))
	off += 4
	for k, v := range m {
		off = putString(buf, off, k)
		off = putString(buf, off, v)
	}
	return off
}

func putString(buf []byte, off int, s string) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s)))
	off += 4
	copy(buf[off:], s)
	off += len(s)
	return off
}

// Decode reconstructs a Record from bytes produced by Encode. It
// returns the number of bytes consumed so callers can decode a
// concatenated stream (as the WAL does), and fails with
// errs.Corruption on truncation rather than dereferencing past the end
// of buf.
func Decode(buf []byte) (*Record, int, error) {
	const minHeader = 8 + 1
	if len(buf) < minHeader {
		return nil, 0, errs.Wrap(errs.Corruption, "truncated record header: have %d bytes", len(buf))
	}

	off := 0
	ts := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	kind := ValueKind(buf[off])
	off++

	r := &Record{Timestamp: ts, Kind: kind}

	switch kind {
	case ValueScalar:
		if len(buf) < off+8 {
			return nil, 0, errs.Wrap(errs.Corruption, "truncated scalar value")
		}
		r.Scalar = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	case ValueVector:
		if len(buf) < off+8 {
			return nil, 0, errs.Wrap(errs.Corruption, "truncated vector count")
		}
		count := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		need := int(count) * 8
		if need < 0 || len(buf) < off+need {
			return nil, 0, errs.Wrap(errs.Corruption, "truncated vector data: want %d values", count)
		}
		vec := make([]float64, count)
		for i := range vec {
			vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
			off += 8
		}
		r.Vector = vec
	default:
		return nil, 0, errs.Wrap(errs.Corruption, "unknown value_kind %d", kind)
	}

	tags, n, err := getMap(buf, off)
	if err != nil {
		return nil, 0, err
	}
	off = n
	r.Tags = tags

	fields, n, err := getMap(buf, off)
	if err != nil {
		return nil, 0, err
	}
	off = n
	r.Fields = fields

	return r, off, nil
}

func getMap(buf []byte, off int) (map[string]string, int, error) {
	if len(buf) < off+4 {
		return nil, 0, errs.Wrap(errs.Corruption, "truncated map count")
	}
	count := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if count == 0 {
		return map[string]string{}, off, nil
	}
	m := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		k, n, err := getString(buf, off)
		if err != nil {
			return nil, 0, err
		}
		off = n
		v, n, err := getString(buf, off)
		if err != nil {
			return nil, 0, err
		}
		off = n
		m[k] = v
	}
	return m, off, nil
}

func getString(buf []byte, off int) (string, int, error) {
	if len(buf) < off+4 {
		return "", 0, errs.Wrap(errs.Corruption, "truncated string length")
	}
	l := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if len(buf) < off+int(l) {
		return "", 0, errs.Wrap(errs.Corruption, "truncated string data")
	}
	s := string(buf[off : off+int(l)])
	off += int(l)
	return s, off, nil
}

// Validate reports a non-nil error classified as errs.InvalidArgument
// if r is structurally unusable (e.g. a vector value with zero
// elements, which would be indistinguishable from an encoding bug).
func (r *Record) Validate() error {
	if r.Kind == ValueVector && len(r.Vector) == 0 {
		return errs.Wrap(errs.InvalidArgument, "vector record at ts=%d has no elements", r.Timestamp)
	}
	if r.Kind != ValueScalar && r.Kind != ValueVector {
		return errs.Wrap(errs.InvalidArgument, "unknown value kind %d", r.Kind)
	}
	return nil
}
