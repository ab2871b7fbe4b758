package state

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
)

// StateId identifies one registered slot for the lifetime of a registry.
// 0 is never assigned.
type StateId uint64

// Kind is the tag of a value. The numbers are part of the wire format.
type Kind uint8

const (
	KindInvalid Kind = 0
	KindBool    Kind = 1
	KindInt     Kind = 2
	KindUint    Kind = 3
	KindFloat   Kind = 4
	KindString  Kind = 5
	KindEnum    Kind = 6
	KindBlob    Kind = 7
	KindGraph   Kind = 8
	KindList    Kind = 9
	KindDict    Kind = 10

	// an atomic counter is an int on the wire. the tag is never written
	KindAtomic Kind = 64
)

var kindNames = map[Kind]string{
	KindBool:   "bool",
	KindInt:    "int",
	KindUint:   "uint",
	KindFloat:  "float",
	KindString: "string",
	KindEnum:   "enum",
	KindBlob:   "blob",
	KindGraph:  "graph",
	KindList:   "list",
	KindDict:   "dict",
	KindAtomic: "atomic",
}

func ParseKind(name string) (Kind, error) {
	for kind, kindName := range kindNames {
		if kindName == strings.ToLower(name) {
			return kind, nil
		}
	}
	return KindInvalid, fmt.Errorf("Unknown kind: %s", name)
}

func (self Kind) String() string {
	if name, ok := kindNames[self]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(self))
}

func (self Kind) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Kind) UnmarshalText(text []byte) error {
	kind, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*self = kind
	return nil
}

// the tag written on the wire for values of this kind
func (self Kind) wire() Kind {
	if self == KindAtomic {
		return KindInt
	}
	return self
}

// Value is one synchronizable value. The set of implementations is closed.
type Value interface {
	Kind() Kind
	Equal(other Value) bool
	String() string

	appendPayload(b []byte) []byte
}

type Bool bool

func (self Bool) Kind() Kind { return KindBool }

func (self Bool) Equal(other Value) bool {
	o, ok := other.(Bool)
	return ok && o == self
}

func (self Bool) String() string {
	if self {
		return "true"
	}
	return "false"
}

type Int int64

func (self Int) Kind() Kind { return KindInt }

func (self Int) Equal(other Value) bool {
	o, ok := other.(Int)
	return ok && o == self
}

func (self Int) String() string {
	return fmt.Sprintf("%d", int64(self))
}

type Uint uint64

func (self Uint) Kind() Kind { return KindUint }

func (self Uint) Equal(other Value) bool {
	o, ok := other.(Uint)
	return ok && o == self
}

func (self Uint) String() string {
	return fmt.Sprintf("%d", uint64(self))
}

// Float compares by bit pattern so that NaN values round trip as equal.
type Float float64

func (self Float) Kind() Kind { return KindFloat }

func (self Float) Equal(other Value) bool {
	o, ok := other.(Float)
	return ok && math.Float64bits(float64(o)) == math.Float64bits(float64(self))
}

func (self Float) String() string {
	return fmt.Sprintf("%g", float64(self))
}

type String string

func (self String) Kind() Kind { return KindString }

func (self String) Equal(other Value) bool {
	o, ok := other.(String)
	return ok && o == self
}

func (self String) String() string {
	return fmt.Sprintf("%q", string(self))
}

// Atomic is a counter that the registry updates with `Increment`.
type Atomic int64

func (self Atomic) Kind() Kind { return KindAtomic }

func (self Atomic) Equal(other Value) bool {
	o, ok := other.(Atomic)
	return ok && o == self
}

func (self Atomic) String() string {
	return fmt.Sprintf("%d", int64(self))
}

// Enum is a discriminant with an optional payload. A nil payload is a unit variant.
type Enum struct {
	Discriminant uint32
	Payload      Value
}

func (self Enum) Kind() Kind { return KindEnum }

func (self Enum) Equal(other Value) bool {
	o, ok := other.(Enum)
	if !ok || o.Discriminant != self.Discriminant {
		return false
	}
	if self.Payload == nil || o.Payload == nil {
		return self.Payload == nil && o.Payload == nil
	}
	return self.Payload.Equal(o.Payload)
}

func (self Enum) String() string {
	if self.Payload == nil {
		return fmt.Sprintf("enum(%d)", self.Discriminant)
	}
	return fmt.Sprintf("enum(%d, %s)", self.Discriminant, self.Payload)
}

type BlobFormat uint8

const (
	BlobRaw        BlobFormat = 0
	BlobGray       BlobFormat = 1
	BlobGrayAlpha  BlobFormat = 2
	BlobColor      BlobFormat = 3
	BlobColorAlpha BlobFormat = 4
)

// bytes per element of the shape. raw blobs count bytes
func (self BlobFormat) ElementSize() int {
	switch self {
	case BlobGray:
		return 1
	case BlobGrayAlpha:
		return 2
	case BlobColor:
		return 3
	case BlobColorAlpha:
		return 4
	default:
		return 1
	}
}

func (self BlobFormat) String() string {
	switch self {
	case BlobRaw:
		return "raw"
	case BlobGray:
		return "gray"
	case BlobGrayAlpha:
		return "gray_alpha"
	case BlobColor:
		return "color"
	case BlobColorAlpha:
		return "color_alpha"
	default:
		return fmt.Sprintf("format(%d)", uint8(self))
	}
}

// Blob carries bytes with explicit shape metadata.
// Pixel formats use the shape [height, width].
type Blob struct {
	Format BlobFormat
	Shape  []uint32
	Data   []byte
}

func NewImage(format BlobFormat, height uint32, width uint32, data []byte) (Blob, error) {
	blob := Blob{
		Format: format,
		Shape:  []uint32{height, width},
		Data:   data,
	}
	if err := blob.Validate(); err != nil {
		return Blob{}, err
	}
	return blob, nil
}

func (self Blob) Validate() error {
	switch self.Format {
	case BlobRaw:
		if len(self.Shape) == 0 {
			return nil
		}
	case BlobGray, BlobGrayAlpha, BlobColor, BlobColorAlpha:
		if len(self.Shape) != 2 {
			return fmt.Errorf("%s blob requires a [height, width] shape, got %d dims", self.Format, len(self.Shape))
		}
	default:
		return fmt.Errorf("Unknown blob format: %d", self.Format)
	}
	n := uint64(self.Format.ElementSize())
	for _, dim := range self.Shape {
		n *= uint64(dim)
		if uint64(len(self.Data)) < n {
			break
		}
	}
	if n != uint64(len(self.Data)) {
		return fmt.Errorf("Blob shape %v does not match %d bytes", self.Shape, len(self.Data))
	}
	return nil
}

func (self Blob) Kind() Kind { return KindBlob }

func (self Blob) Equal(other Value) bool {
	o, ok := other.(Blob)
	return ok &&
		o.Format == self.Format &&
		slices.Equal(o.Shape, self.Shape) &&
		bytes.Equal(o.Data, self.Data)
}

func (self Blob) String() string {
	return fmt.Sprintf("blob(%s, %v, %d bytes)", self.Format, self.Shape, len(self.Data))
}

type GraphPrecision uint8

const (
	GraphF64 GraphPrecision = 0
	GraphF32 GraphPrecision = 1
)

// Graph is a series of points. X is nil when the points are evenly spaced.
type Graph struct {
	Precision GraphPrecision
	Y         []float64
	X         []float64
}

func (self Graph) Kind() Kind { return KindGraph }

func (self Graph) Equal(other Value) bool {
	o, ok := other.(Graph)
	if !ok || o.Precision != self.Precision {
		return false
	}
	if (self.X == nil) != (o.X == nil) {
		return false
	}
	return floatsEqual(self.Y, o.Y) && floatsEqual(self.X, o.X)
}

func (self Graph) String() string {
	return fmt.Sprintf("graph(%d points)", len(self.Y))
}

func floatsEqual(a []float64, b []float64) bool {
	return slices.EqualFunc(a, b, func(x float64, y float64) bool {
		return math.Float64bits(x) == math.Float64bits(y)
	})
}

// List is an ordered sequence of child slots.
type List []StateId

func (self List) Kind() Kind { return KindList }

func (self List) Equal(other Value) bool {
	o, ok := other.(List)
	return ok && slices.Equal(o, self)
}

func (self List) String() string {
	return fmt.Sprintf("list%v", []StateId(self))
}

// Dict maps keys to child slots.
type Dict map[string]StateId

func (self Dict) Kind() Kind { return KindDict }

func (self Dict) Equal(other Value) bool {
	o, ok := other.(Dict)
	if !ok || len(o) != len(self) {
		return false
	}
	for key, id := range self {
		if otherId, ok := o[key]; !ok || otherId != id {
			return false
		}
	}
	return true
}

func (self Dict) String() string {
	parts := []string{}
	for _, key := range self.Keys() {
		parts = append(parts, fmt.Sprintf("%q:%d", key, self[key]))
	}
	return fmt.Sprintf("dict{%s}", strings.Join(parts, ","))
}

// sorted keys
func (self Dict) Keys() []string {
	keys := make([]string, 0, len(self))
	for key := range self {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy that shares no mutable storage with `v`.
func Clone(v Value) Value {
	switch w := v.(type) {
	case Enum:
		if w.Payload != nil {
			w.Payload = Clone(w.Payload)
		}
		return w
	case Blob:
		return Blob{
			Format: w.Format,
			Shape:  slices.Clone(w.Shape),
			Data:   slices.Clone(w.Data),
		}
	case Graph:
		return Graph{
			Precision: w.Precision,
			Y:         slices.Clone(w.Y),
			X:         slices.Clone(w.X),
		}
	case List:
		return slices.Clone(w)
	case Dict:
		c := make(Dict, len(w))
		for key, id := range w {
			c[key] = id
		}
		return c
	default:
		return v
	}
}
