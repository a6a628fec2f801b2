package multiscan

import (
	"encoding/binary"
	"fmt"
	"math"
)

/*
Point-field layouts

The serialized frame is a single row of fixed-stride little-endian records.
The field set is chosen once at startup from a closed, additive enumeration:
a contiguous prefix (xyz ⊆ +intensity ⊆ +range ⊆ +azimuth,elevation ⊆
+layer,echo,index) plus two independently toggled trailing sections, the
64-bit sensor-local timestamp (two uint32 words "tl"/"th") and the reflector
value. All scalars are 4 bytes, so the stride is 4 × the enabled word count;
the widest layout is 13 words = 52 bytes per point.

Offsets are computed exactly once when the Layout is constructed. Points are
serialized through AppendPoint, a pure function of (point, layout); nothing
ever reinterprets the output buffer as typed memory.
*/

// ContiguousFields selects the contiguous prefix of the point record.
type ContiguousFields int

const (
	FieldsXYZ            ContiguousFields = iota // x, y, z
	FieldsUpToIntensity                          // + intensity
	FieldsUpToRange                              // + range
	FieldsUpToAngular                            // + azimuth, elevation
	FieldsUpToPointIndex                         // + layer, echo, index
)

// contiguousWords maps a ContiguousFields value to its scalar count.
var contiguousWords = map[ContiguousFields]int{
	FieldsXYZ:            3,
	FieldsUpToIntensity:  4,
	FieldsUpToRange:      5,
	FieldsUpToAngular:    7,
	FieldsUpToPointIndex: 10,
}

// LayoutSpec names one member of the closed layout set.
type LayoutSpec struct {
	Contiguous ContiguousFields
	Timestamp  bool // append 64-bit sensor-local timestamp (tl, th)
	Reflector  bool // append reflector float
}

// FieldType is the wire type of a serialized field.
type FieldType uint8

const (
	FieldFloat32 FieldType = iota
	FieldUint32
)

// Field describes one scalar of the serialized point record. The field list
// is emitted alongside each frame so consumers can interpret the buffer.
type Field struct {
	Name   string
	Offset int
	Type   FieldType
}

// Layout is a fully resolved field layout: offsets, stride, and field
// metadata, computed once from a LayoutSpec.
type Layout struct {
	spec       LayoutSpec
	words      int // enabled scalar count
	contiguous int // scalars in the contiguous prefix
	tsOffset   int // byte offset of the timestamp words, -1 when disabled
	reflOffset int // byte offset of the reflector value, -1 when disabled
	fields     []Field
}

// NewLayout resolves a LayoutSpec into a Layout with computed offsets.
func NewLayout(spec LayoutSpec) (Layout, error) {
	contiguous, ok := contiguousWords[spec.Contiguous]
	if !ok {
		return Layout{}, fmt.Errorf("unknown contiguous field selector: %d", spec.Contiguous)
	}

	l := Layout{
		spec:       spec,
		contiguous: contiguous,
		words:      contiguous,
		tsOffset:   -1,
		reflOffset: -1,
	}

	names := []struct {
		name string
		typ  FieldType
	}{
		{"x", FieldFloat32},
		{"y", FieldFloat32},
		{"z", FieldFloat32},
		{"intensity", FieldFloat32},
		{"range", FieldFloat32},
		{"azimuth", FieldFloat32},
		{"elevation", FieldFloat32},
		{"layer", FieldUint32},
		{"echo", FieldUint32},
		{"index", FieldUint32},
	}
	for i := 0; i < contiguous; i++ {
		l.fields = append(l.fields, Field{Name: names[i].name, Offset: 4 * i, Type: names[i].typ})
	}

	if spec.Timestamp {
		l.tsOffset = 4 * l.words
		l.fields = append(l.fields,
			Field{Name: "tl", Offset: l.tsOffset, Type: FieldUint32},
			Field{Name: "th", Offset: l.tsOffset + 4, Type: FieldUint32},
		)
		l.words += 2
	}
	if spec.Reflector {
		l.reflOffset = 4 * l.words
		l.fields = append(l.fields, Field{Name: "reflective", Offset: l.reflOffset, Type: FieldFloat32})
		l.words++
	}

	return l, nil
}

// MustLayout resolves a LayoutSpec and panics on error. Intended for
// test setup and the named presets below.
func MustLayout(spec LayoutSpec) Layout {
	l, err := NewLayout(spec)
	if err != nil {
		panic(err)
	}
	return l
}

// ParseLayoutSpec maps a configuration selector string to a LayoutSpec.
// The set is closed; there is deliberately no free-form field selection.
func ParseLayoutSpec(name string) (LayoutSpec, error) {
	switch name {
	case "xyz":
		return LayoutSpec{Contiguous: FieldsXYZ}, nil
	case "intensity":
		return LayoutSpec{Contiguous: FieldsUpToIntensity}, nil
	case "range":
		return LayoutSpec{Contiguous: FieldsUpToRange}, nil
	case "angular":
		return LayoutSpec{Contiguous: FieldsUpToAngular}, nil
	case "index":
		return LayoutSpec{Contiguous: FieldsUpToPointIndex}, nil
	case "xyztr":
		return LayoutSpec{Contiguous: FieldsXYZ, Timestamp: true, Reflector: true}, nil
	case "all":
		return LayoutSpec{Contiguous: FieldsUpToPointIndex, Timestamp: true, Reflector: true}, nil
	default:
		return LayoutSpec{}, fmt.Errorf("unknown point field layout %q", name)
	}
}

// Spec returns the spec this layout was built from.
func (l Layout) Spec() LayoutSpec { return l.spec }

// Stride returns the byte length of one serialized point record.
func (l Layout) Stride() int { return 4 * l.words }

// Fields returns the field metadata for the serialized record.
func (l Layout) Fields() []Field { return l.fields }

// AppendPoint serializes p according to the layout and appends the record to
// dst, returning the extended slice. Little-endian throughout.
func (l Layout) AppendPoint(dst []byte, p *Point) []byte {
	var rec [52]byte // widest possible record
	le := binary.LittleEndian

	le.PutUint32(rec[0:], math.Float32bits(p.X))
	le.PutUint32(rec[4:], math.Float32bits(p.Y))
	le.PutUint32(rec[8:], math.Float32bits(p.Z))
	if l.contiguous >= 4 {
		le.PutUint32(rec[12:], math.Float32bits(p.Intensity))
	}
	if l.contiguous >= 5 {
		le.PutUint32(rec[16:], math.Float32bits(p.Range))
	}
	if l.contiguous >= 7 {
		le.PutUint32(rec[20:], math.Float32bits(p.Azimuth))
		le.PutUint32(rec[24:], math.Float32bits(p.Elevation))
	}
	if l.contiguous >= 10 {
		le.PutUint32(rec[28:], p.Layer)
		le.PutUint32(rec[32:], p.Echo)
		le.PutUint32(rec[36:], p.Index)
	}
	if l.tsOffset >= 0 {
		le.PutUint64(rec[l.tsOffset:], p.Timestamp)
	}
	if l.reflOffset >= 0 {
		le.PutUint32(rec[l.reflOffset:], math.Float32bits(p.Reflector))
	}

	return append(dst, rec[:l.Stride()]...)
}
