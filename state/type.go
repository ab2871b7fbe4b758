package state

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type is the declared shape of a slot.
type Type struct {
	Kind Kind `json:"kind"`
	// bits for int, uint and float. 0 means 64
	Width     uint8          `json:"width,omitempty"`
	Variants  []Variant      `json:"variants,omitempty"`
	Precision GraphPrecision `json:"precision,omitempty"`
}

type Variant struct {
	Discriminant uint32 `json:"discriminant"`
	Name         string `json:"name"`
	// nil for a unit variant
	Payload *Type `json:"payload,omitempty"`
}

func BoolType() Type              { return Type{Kind: KindBool} }
func IntType(width uint8) Type    { return Type{Kind: KindInt, Width: width} }
func UintType(width uint8) Type   { return Type{Kind: KindUint, Width: width} }
func FloatType(width uint8) Type  { return Type{Kind: KindFloat, Width: width} }
func StringType() Type            { return Type{Kind: KindString} }
func AtomicType() Type            { return Type{Kind: KindAtomic} }
func BlobType() Type              { return Type{Kind: KindBlob} }
func ListType() Type              { return Type{Kind: KindList} }
func DictType() Type              { return Type{Kind: KindDict} }
func EnumType(variants ...Variant) Type {
	return Type{Kind: KindEnum, Variants: variants}
}
func GraphType(precision GraphPrecision) Type {
	return Type{Kind: KindGraph, Precision: precision}
}

func (self Type) width() uint8 {
	if self.Width == 0 {
		return 64
	}
	return self.Width
}

func (self Type) Variant(discriminant uint32) (Variant, bool) {
	for _, variant := range self.Variants {
		if variant.Discriminant == discriminant {
			return variant, true
		}
	}
	return Variant{}, false
}

func (self Type) VariantByName(name string) (Variant, bool) {
	for _, variant := range self.Variants {
		if variant.Name == name {
			return variant, true
		}
	}
	return Variant{}, false
}

// Validate checks that the type itself is well formed.
func (self Type) Validate() error {
	switch self.Kind {
	case KindBool, KindString, KindAtomic, KindBlob, KindList, KindDict:
		return nil
	case KindInt, KindUint:
		switch self.width() {
		case 8, 16, 32, 64:
			return nil
		}
		return fmt.Errorf("Invalid %s width: %d", self.Kind, self.Width)
	case KindFloat:
		switch self.width() {
		case 32, 64:
			return nil
		}
		return fmt.Errorf("Invalid float width: %d", self.Width)
	case KindGraph:
		switch self.Precision {
		case GraphF32, GraphF64:
			return nil
		}
		return fmt.Errorf("Invalid graph precision: %d", self.Precision)
	case KindEnum:
		if len(self.Variants) == 0 {
			return fmt.Errorf("Enum requires at least one variant")
		}
		seen := map[uint32]bool{}
		for _, variant := range self.Variants {
			if seen[variant.Discriminant] {
				return fmt.Errorf("Duplicate enum discriminant: %d", variant.Discriminant)
			}
			seen[variant.Discriminant] = true
			if variant.Payload != nil {
				if err := variant.Payload.Validate(); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("Invalid kind: %s", self.Kind)
	}
}

// Check returns an error matching `ErrTypeMismatch` when `v` does not conform.
func (self Type) Check(v Value) error {
	if v == nil {
		return fmt.Errorf("%w: nil value for %s", ErrTypeMismatch, self.Kind)
	}
	if v.Kind() != self.Kind {
		return fmt.Errorf("%w: %s value for %s", ErrTypeMismatch, v.Kind(), self.Kind)
	}
	switch w := v.(type) {
	case Int:
		return checkIntRange(int64(w), self.width())
	case Uint:
		return checkUintRange(uint64(w), self.width())
	case Float:
		if self.width() == 32 {
			f := float64(w)
			if !math.IsNaN(f) && float64(float32(f)) != f {
				return fmt.Errorf("%w: %g is not a float32", ErrTypeMismatch, f)
			}
		}
	case Enum:
		variant, ok := self.Variant(w.Discriminant)
		if !ok {
			return &UnknownVariantError{Discriminant: w.Discriminant}
		}
		if variant.Payload == nil {
			if w.Payload != nil {
				return fmt.Errorf("%w: variant %s has no payload", ErrTypeMismatch, variant.Name)
			}
		} else {
			if err := variant.Payload.Check(w.Payload); err != nil {
				return err
			}
		}
	case Blob:
		if err := w.Validate(); err != nil {
			return fmt.Errorf("%w: %s", ErrTypeMismatch, err)
		}
	case Graph:
		if w.Precision != self.Precision {
			return fmt.Errorf("%w: graph precision", ErrTypeMismatch)
		}
		if w.X != nil && len(w.X) != len(w.Y) {
			return fmt.Errorf("%w: graph x has %d points, y has %d", ErrTypeMismatch, len(w.X), len(w.Y))
		}
	}
	return nil
}

func checkIntRange(v int64, width uint8) error {
	if width == 64 {
		return nil
	}
	max := int64(1)<<(width-1) - 1
	min := -max - 1
	if v < min || max < v {
		return fmt.Errorf("%w: %d overflows int%d", ErrTypeMismatch, v, width)
	}
	return nil
}

func checkUintRange(v uint64, width uint8) error {
	if width == 64 {
		return nil
	}
	if uint64(1)<<width <= v {
		return fmt.Errorf("%w: %d overflows uint%d", ErrTypeMismatch, v, width)
	}
	return nil
}

// Zero is the default value of a type, used when a configuration gives no initial value.
func (self Type) Zero() Value {
	switch self.Kind {
	case KindBool:
		return Bool(false)
	case KindInt:
		return Int(0)
	case KindUint:
		return Uint(0)
	case KindFloat:
		return Float(0)
	case KindString:
		return String("")
	case KindAtomic:
		return Atomic(0)
	case KindEnum:
		if len(self.Variants) == 0 {
			return nil
		}
		variant := self.Variants[0]
		e := Enum{Discriminant: variant.Discriminant}
		if variant.Payload != nil {
			e.Payload = variant.Payload.Zero()
		}
		return e
	case KindBlob:
		return Blob{}
	case KindGraph:
		return Graph{Precision: self.Precision, Y: []float64{}}
	case KindList:
		return List{}
	case KindDict:
		return Dict{}
	default:
		return nil
	}
}

// type codec. fields follow protobuf numbering so unknown fields are skipped

const (
	typeFieldKind      protowire.Number = 1
	typeFieldWidth     protowire.Number = 2
	typeFieldPrecision protowire.Number = 3
	typeFieldVariant   protowire.Number = 4

	variantFieldDiscriminant protowire.Number = 1
	variantFieldName         protowire.Number = 2
	variantFieldPayload      protowire.Number = 3
)

func AppendType(b []byte, t Type) []byte {
	b = protowire.AppendTag(b, typeFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Kind))
	if t.Width != 0 {
		b = protowire.AppendTag(b, typeFieldWidth, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.Width))
	}
	if t.Precision != 0 {
		b = protowire.AppendTag(b, typeFieldPrecision, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.Precision))
	}
	for _, variant := range t.Variants {
		var vb []byte
		vb = protowire.AppendTag(vb, variantFieldDiscriminant, protowire.VarintType)
		vb = protowire.AppendVarint(vb, uint64(variant.Discriminant))
		vb = protowire.AppendTag(vb, variantFieldName, protowire.BytesType)
		vb = protowire.AppendString(vb, variant.Name)
		if variant.Payload != nil {
			vb = protowire.AppendTag(vb, variantFieldPayload, protowire.BytesType)
			vb = protowire.AppendBytes(vb, AppendType(nil, *variant.Payload))
		}
		b = protowire.AppendTag(b, typeFieldVariant, protowire.BytesType)
		b = protowire.AppendBytes(b, vb)
	}
	return b
}

func EncodeType(t Type) []byte {
	return AppendType(nil, t)
}

func DecodeType(b []byte) (Type, error) {
	var t Type
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == typeFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 || math.MaxUint8 < v {
				return 0, decodeErrorf(KindInvalid, "type kind")
			}
			t.Kind = Kind(v)
			return n, nil
		case num == typeFieldWidth && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 || math.MaxUint8 < v {
				return 0, decodeErrorf(KindInvalid, "type width")
			}
			t.Width = uint8(v)
			return n, nil
		case num == typeFieldPrecision && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 || math.MaxUint8 < v {
				return 0, decodeErrorf(KindInvalid, "type precision")
			}
			t.Precision = GraphPrecision(v)
			return n, nil
		case num == typeFieldVariant && typ == protowire.BytesType:
			vb, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return 0, decodeErrorf(KindInvalid, "type variant")
			}
			variant, err := decodeVariant(vb)
			if err != nil {
				return 0, err
			}
			t.Variants = append(t.Variants, variant)
			return n, nil
		default:
			return -1, nil
		}
	})
	return t, err
}

func decodeVariant(b []byte) (Variant, error) {
	var variant Variant
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == variantFieldDiscriminant && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 || math.MaxUint32 < v {
				return 0, decodeErrorf(KindEnum, "variant discriminant")
			}
			variant.Discriminant = uint32(v)
			return n, nil
		case num == variantFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return 0, decodeErrorf(KindEnum, "variant name")
			}
			variant.Name = string(v)
			return n, nil
		case num == variantFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return 0, decodeErrorf(KindEnum, "variant payload")
			}
			payload, err := DecodeType(v)
			if err != nil {
				return 0, err
			}
			variant.Payload = &payload
			return n, nil
		default:
			return -1, nil
		}
	})
	return variant, err
}

// FieldFunc consumes one field value and returns its length,
// or -1 to let the caller skip an unknown field.
type FieldFunc func(num protowire.Number, typ protowire.Type, field []byte) (int, error)

// ConsumeFields walks a protobuf-wire encoded message, skipping unknown fields.
func ConsumeFields(b []byte, fieldFn FieldFunc) error {
	return consumeFields(b, fieldFn)
}

func consumeFields(b []byte, fieldFn FieldFunc) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeErrorf(KindInvalid, "field tag: %s", protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fieldFn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return decodeErrorf(KindInvalid, "field %d: %s", num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}
