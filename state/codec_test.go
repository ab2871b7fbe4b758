package state

import (
	"errors"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

var testEnumType = EnumType(
	Variant{Discriminant: 0, Name: "idle"},
	Variant{Discriminant: 1, Name: "running", Payload: &Type{Kind: KindUint, Width: 32}},
	Variant{Discriminant: 7, Name: "failed", Payload: &Type{Kind: KindString}},
)

func TestCodecRoundTrip(t *testing.T) {
	image, err := NewImage(BlobColor, 2, 3, make([]byte, 2*3*3))
	assert.Equal(t, err, nil)

	cases := []struct {
		t Type
		v Value
	}{
		{BoolType(), Bool(true)},
		{BoolType(), Bool(false)},
		{IntType(8), Int(-128)},
		{IntType(32), Int(math.MaxInt32)},
		{IntType(64), Int(math.MinInt64)},
		{UintType(16), Uint(math.MaxUint16)},
		{UintType(64), Uint(math.MaxUint64)},
		{FloatType(64), Float(math.Pi)},
		{FloatType(32), Float(0.5)},
		{FloatType(64), Float(math.NaN())},
		{FloatType(64), Float(math.Inf(-1))},
		{StringType(), String("")},
		{StringType(), String("hello, 世界")},
		{AtomicType(), Atomic(-42)},
		{testEnumType, Enum{Discriminant: 0}},
		{testEnumType, Enum{Discriminant: 1, Payload: Uint(99)}},
		{testEnumType, Enum{Discriminant: 7, Payload: String("boom")}},
		{BlobType(), Blob{}},
		{BlobType(), Blob{Format: BlobRaw, Data: []byte{1, 2, 3, 4}}},
		{BlobType(), Blob{Format: BlobRaw, Shape: []uint32{2, 2}, Data: []byte{1, 2, 3, 4}}},
		{BlobType(), image},
		{GraphType(GraphF64), Graph{Precision: GraphF64, Y: []float64{}}},
		{GraphType(GraphF64), Graph{Precision: GraphF64, Y: []float64{1.5, -2, 3}}},
		{GraphType(GraphF32), Graph{Precision: GraphF32, Y: []float64{1, 2}, X: []float64{0.25, 0.5}}},
		{ListType(), List{}},
		{ListType(), List{3, 1, 2}},
		{DictType(), Dict{}},
		{DictType(), Dict{"b": 2, "a": 1, "c": 300}},
	}

	for _, c := range cases {
		assert.Equal(t, c.t.Check(c.v), nil)

		b := Encode(c.v)
		assert.Equal(t, len(b), EncodedLen(c.v))

		decoded, err := Decode(b, c.t)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded.Kind(), c.v.Kind())
		assert.Equal(t, true, c.v.Equal(decoded))

		n, err := SkipValue(b)
		assert.Equal(t, err, nil)
		assert.Equal(t, len(b), n)

		if c.t.Kind != KindAtomic {
			untyped, err := DecodeAny(b)
			assert.Equal(t, err, nil)
			assert.Equal(t, true, c.v.Equal(untyped))
		}
	}
}

func TestCodecAtomicIsInt(t *testing.T) {
	assert.Equal(t, Encode(Int(17)), Encode(Atomic(17)))

	v, err := Decode(Encode(Int(17)), AtomicType())
	assert.Equal(t, err, nil)
	assert.Equal(t, Atomic(17), v)

	v, err = DecodeAny(Encode(Atomic(17)))
	assert.Equal(t, err, nil)
	assert.Equal(t, Int(17), v)
}

func TestCodecDictCanonical(t *testing.T) {
	a := Dict{}
	b := Dict{}
	for i, key := range []string{"x", "y", "z", "w"} {
		a[key] = StateId(i + 1)
	}
	for _, key := range []string{"w", "z", "y", "x"} {
		b[key] = a[key]
	}
	assert.Equal(t, Encode(a), Encode(b))
}

func TestCodecUnknownVariant(t *testing.T) {
	b := Encode(Enum{Discriminant: 3})

	_, err := Decode(b, testEnumType)
	assert.Equal(t, true, errors.Is(err, ErrUnknownVariant))
	var variantErr *UnknownVariantError
	assert.Equal(t, true, errors.As(err, &variantErr))
	assert.Equal(t, uint32(3), variantErr.Discriminant)

	// without a type the discriminant is not checked
	v, err := DecodeAny(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, Enum{Discriminant: 3}, v)
}

func TestCodecEnumPayloadShape(t *testing.T) {
	// unit variant with a payload
	_, err := Decode(Encode(Enum{Discriminant: 0, Payload: Uint(1)}), testEnumType)
	assert.Equal(t, true, errors.Is(err, ErrDecode))

	// payload variant without a payload
	_, err = Decode(Encode(Enum{Discriminant: 1}), testEnumType)
	assert.Equal(t, true, errors.Is(err, ErrDecode))
}

func TestCodecUnknownKindSkipped(t *testing.T) {
	var b []byte
	b = protowire.AppendVarint(b, 99)
	b = protowire.AppendBytes(b, []byte("from the future"))
	known := len(b)
	b = AppendValue(b, String("after"))

	n, err := SkipValue(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, known, n)

	_, err = DecodeAny(b[:n])
	assert.Equal(t, true, errors.Is(err, ErrUnknownKind))

	v, err := DecodeAny(b[n:])
	assert.Equal(t, err, nil)
	assert.Equal(t, String("after"), v)
}

func TestCodecKindMismatch(t *testing.T) {
	_, err := Decode(Encode(Bool(true)), IntType(64))
	assert.Equal(t, true, errors.Is(err, ErrDecode))
	var decodeErr *DecodeError
	assert.Equal(t, true, errors.As(err, &decodeErr))
	assert.Equal(t, KindInt, decodeErr.Kind)
}

func TestCodecWidth(t *testing.T) {
	_, err := Decode(Encode(Int(300)), IntType(8))
	assert.Equal(t, true, errors.Is(err, ErrDecode))

	_, err = Decode(Encode(Uint(1<<16)), UintType(16))
	assert.Equal(t, true, errors.Is(err, ErrDecode))

	v, err := Decode(Encode(Int(-300)), IntType(16))
	assert.Equal(t, err, nil)
	assert.Equal(t, Int(-300), v)
}

func TestCodecMalformed(t *testing.T) {
	valid := Encode(Dict{"a": 1, "b": 2})

	// every truncation is rejected without panicking
	for i := 0; i < len(valid); i += 1 {
		_, err := DecodeAny(valid[:i])
		assert.NotEqual(t, err, nil)
	}

	// trailing bytes
	_, err := DecodeAny(append(Encode(Bool(true)), 0))
	assert.Equal(t, true, errors.Is(err, ErrDecode))

	// bool out of range
	var b []byte
	b = protowire.AppendVarint(b, uint64(KindBool))
	b = protowire.AppendBytes(b, []byte{2})
	_, err = DecodeAny(b)
	assert.Equal(t, true, errors.Is(err, ErrDecode))

	// invalid utf-8
	b = nil
	b = protowire.AppendVarint(b, uint64(KindString))
	b = protowire.AppendBytes(b, []byte{0xff, 0xfe})
	_, err = DecodeAny(b)
	assert.Equal(t, true, errors.Is(err, ErrDecode))

	// zero child id
	_, err = DecodeAny(Encode(List{0}))
	assert.Equal(t, true, errors.Is(err, ErrDecode))

	// blob shape does not match the data
	_, err = DecodeAny(Encode(Blob{Format: BlobGray, Shape: []uint32{2, 2}, Data: []byte{1}}))
	assert.Equal(t, true, errors.Is(err, ErrDecode))
}

func TestTypeCodecRoundTrip(t *testing.T) {
	types := []Type{
		BoolType(),
		IntType(16),
		UintType(0),
		FloatType(32),
		AtomicType(),
		GraphType(GraphF32),
		testEnumType,
	}
	for _, typ := range types {
		decoded, err := DecodeType(EncodeType(typ))
		assert.Equal(t, err, nil)
		assert.Equal(t, typ, decoded)
	}
}

func TestCodecFloatWidth(t *testing.T) {
	// kind tag, length, payload
	assert.Equal(t, 2+4, len(Encode(Float(0.5))))
	assert.Equal(t, 2+8, len(Encode(Float(math.Pi))))

	v, err := Decode(Encode(Float(0.5)), FloatType(32))
	assert.Equal(t, err, nil)
	assert.Equal(t, Float(0.5), v)

	// a fixed64 payload for a float32 slot is rounded
	v, err = Decode(Encode(Float(math.Pi)), FloatType(32))
	assert.Equal(t, err, nil)
	assert.Equal(t, Float(float32(math.Pi)), v)

	v, err = Decode(Encode(Float(math.Pi)), FloatType(64))
	assert.Equal(t, err, nil)
	assert.Equal(t, Float(math.Pi), v)

	b := protowire.AppendVarint(nil, uint64(KindFloat.wire()))
	b = protowire.AppendBytes(b, []byte{1, 2, 3})
	_, err = Decode(b, FloatType(64))
	assert.Equal(t, true, errors.Is(err, ErrDecode))
}
