package state

import (
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

/*
Value encoding:
    varint kind tag | varint payload length | payload

The length prefix makes every value skippable, including kinds added after this version.
Payloads:
    bool    one byte, 0 or 1
    int     zigzag varint (atomic counters are encoded as int)
    uint    varint
    float   fixed32 ieee 754 when the value is exact as a float32, otherwise fixed64
    string  utf-8 bytes
    enum    fixed32 discriminant, then an optional encoded payload value
    blob    varint format, varint dims, dims varints, length prefixed bytes
    graph   varint precision, varint flags (1 = has x), varint n, n y points, n x points
    list    varint n, n varint ids
    dict    varint n, n pairs of (length prefixed key, varint id), keys ascending
*/

func Encode(v Value) []byte {
	return AppendValue(nil, v)
}

func AppendValue(b []byte, v Value) []byte {
	payload := v.appendPayload(nil)
	b = protowire.AppendVarint(b, uint64(v.Kind().wire()))
	return protowire.AppendBytes(b, payload)
}

// EncodedLen is the size of `Encode(v)`.
func EncodedLen(v Value) int {
	n := len(v.appendPayload(nil))
	return protowire.SizeVarint(uint64(v.Kind().wire())) + protowire.SizeBytes(n)
}

func (self Bool) appendPayload(b []byte) []byte {
	if self {
		return append(b, 1)
	}
	return append(b, 0)
}

func (self Int) appendPayload(b []byte) []byte {
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(self)))
}

func (self Atomic) appendPayload(b []byte) []byte {
	return Int(self).appendPayload(b)
}

func (self Uint) appendPayload(b []byte) []byte {
	return protowire.AppendVarint(b, uint64(self))
}

func (self Float) appendPayload(b []byte) []byte {
	f := float64(self)
	if math.IsNaN(f) || float64(float32(f)) == f {
		return protowire.AppendFixed32(b, math.Float32bits(float32(f)))
	}
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

func (self String) appendPayload(b []byte) []byte {
	return append(b, self...)
}

func (self Enum) appendPayload(b []byte) []byte {
	b = protowire.AppendFixed32(b, self.Discriminant)
	if self.Payload != nil {
		b = AppendValue(b, self.Payload)
	}
	return b
}

func (self Blob) appendPayload(b []byte) []byte {
	b = protowire.AppendVarint(b, uint64(self.Format))
	b = protowire.AppendVarint(b, uint64(len(self.Shape)))
	for _, dim := range self.Shape {
		b = protowire.AppendVarint(b, uint64(dim))
	}
	return protowire.AppendBytes(b, self.Data)
}

func (self Graph) appendPayload(b []byte) []byte {
	b = protowire.AppendVarint(b, uint64(self.Precision))
	var flags uint64
	if self.X != nil {
		flags |= 1
	}
	b = protowire.AppendVarint(b, flags)
	b = protowire.AppendVarint(b, uint64(len(self.Y)))
	b = self.appendPoints(b, self.Y)
	if self.X != nil {
		b = self.appendPoints(b, self.X)
	}
	return b
}

func (self Graph) appendPoints(b []byte, points []float64) []byte {
	for _, point := range points {
		if self.Precision == GraphF32 {
			b = protowire.AppendFixed32(b, math.Float32bits(float32(point)))
		} else {
			b = protowire.AppendFixed64(b, math.Float64bits(point))
		}
	}
	return b
}

func (self List) appendPayload(b []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(self)))
	for _, id := range self {
		b = protowire.AppendVarint(b, uint64(id))
	}
	return b
}

func (self Dict) appendPayload(b []byte) []byte {
	keys := self.Keys()
	b = protowire.AppendVarint(b, uint64(len(keys)))
	for _, key := range keys {
		b = protowire.AppendString(b, key)
		b = protowire.AppendVarint(b, uint64(self[key]))
	}
	return b
}

// SkipValue returns the encoded length of the value at the start of `b`, for any tag.
func SkipValue(b []byte) (int, error) {
	_, _, n, err := consumeHeader(b)
	return n, err
}

func consumeHeader(b []byte) (tag uint64, payload []byte, n int, err error) {
	tag, tagLen := protowire.ConsumeVarint(b)
	if tagLen < 0 {
		return 0, nil, 0, decodeErrorf(KindInvalid, "kind tag: %s", protowire.ParseError(tagLen))
	}
	payload, payloadLen := protowire.ConsumeBytes(b[tagLen:])
	if payloadLen < 0 {
		return 0, nil, 0, decodeErrorf(KindInvalid, "payload: %s", protowire.ParseError(payloadLen))
	}
	return tag, payload, tagLen + payloadLen, nil
}

// DecodeAny decodes without an expected type. Enum discriminants are not checked.
func DecodeAny(b []byte) (Value, error) {
	v, n, err := decodeValue(b, nil)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, decodeErrorf(v.Kind(), "%d trailing bytes", len(b)-n)
	}
	return v, nil
}

// Decode decodes a value that must have the shape of `t`.
func Decode(b []byte, t Type) (Value, error) {
	v, n, err := decodeValue(b, &t)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, decodeErrorf(t.Kind, "%d trailing bytes", len(b)-n)
	}
	return v, nil
}

func decodeValue(b []byte, t *Type) (Value, int, error) {
	tag, payload, n, err := consumeHeader(b)
	if err != nil {
		return nil, 0, err
	}
	kind := Kind(tag)
	if _, ok := kindNames[kind]; !ok || kind == KindAtomic || math.MaxUint8 < tag {
		return nil, n, &UnknownKindError{Tag: tag}
	}
	if t != nil && t.Kind.wire() != kind {
		return nil, n, decodeErrorf(t.Kind, "found %s", kind)
	}

	var v Value
	switch kind {
	case KindBool:
		v, err = decodeBool(payload)
	case KindInt:
		v, err = decodeInt(payload, t)
	case KindUint:
		v, err = decodeUint(payload, t)
	case KindFloat:
		v, err = decodeFloat(payload, t)
	case KindString:
		if !utf8.Valid(payload) {
			err = decodeErrorf(KindString, "invalid utf-8")
		} else {
			v = String(payload)
		}
	case KindEnum:
		v, err = decodeEnum(payload, t)
	case KindBlob:
		v, err = decodeBlob(payload)
	case KindGraph:
		v, err = decodeGraph(payload, t)
	case KindList:
		v, err = decodeList(payload)
	case KindDict:
		v, err = decodeDict(payload)
	}
	if err != nil {
		return nil, n, err
	}
	return v, n, nil
}

func decodeBool(payload []byte) (Value, error) {
	if len(payload) != 1 || 1 < payload[0] {
		return nil, decodeErrorf(KindBool, "invalid payload")
	}
	return Bool(payload[0] == 1), nil
}

func consumeFullVarint(kind Kind, payload []byte) (uint64, error) {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return 0, decodeErrorf(kind, "%s", protowire.ParseError(n))
	}
	if n != len(payload) {
		return 0, decodeErrorf(kind, "trailing bytes")
	}
	return v, nil
}

func decodeInt(payload []byte, t *Type) (Value, error) {
	u, err := consumeFullVarint(KindInt, payload)
	if err != nil {
		return nil, err
	}
	i := protowire.DecodeZigZag(u)
	if t != nil {
		if err := checkIntRange(i, t.width()); err != nil {
			return nil, decodeErrorf(KindInt, "%s", err)
		}
		if t.Kind == KindAtomic {
			return Atomic(i), nil
		}
	}
	return Int(i), nil
}

func decodeUint(payload []byte, t *Type) (Value, error) {
	u, err := consumeFullVarint(KindUint, payload)
	if err != nil {
		return nil, err
	}
	if t != nil {
		if err := checkUintRange(u, t.width()); err != nil {
			return nil, decodeErrorf(KindUint, "%s", err)
		}
	}
	return Uint(u), nil
}

func decodeFloat(payload []byte, t *Type) (Value, error) {
	var f float64
	switch len(payload) {
	case 4:
		bits, _ := protowire.ConsumeFixed32(payload)
		f = float64(math.Float32frombits(bits))
	case 8:
		bits, _ := protowire.ConsumeFixed64(payload)
		f = math.Float64frombits(bits)
	default:
		return nil, decodeErrorf(KindFloat, "invalid payload")
	}
	if t != nil && t.width() == 32 {
		f = float64(float32(f))
	}
	return Float(f), nil
}

func decodeEnum(payload []byte, t *Type) (Value, error) {
	discriminant, n := protowire.ConsumeFixed32(payload)
	if n < 0 {
		return nil, decodeErrorf(KindEnum, "discriminant")
	}
	e := Enum{Discriminant: discriminant}
	rest := payload[n:]

	var payloadType *Type
	if t != nil {
		variant, ok := t.Variant(discriminant)
		if !ok {
			return nil, &UnknownVariantError{Discriminant: discriminant}
		}
		payloadType = variant.Payload
		if payloadType == nil && 0 < len(rest) {
			return nil, decodeErrorf(KindEnum, "unit variant %s has a payload", variant.Name)
		}
		if payloadType != nil && len(rest) == 0 {
			return nil, decodeErrorf(KindEnum, "variant %s is missing its payload", variant.Name)
		}
	}
	if 0 < len(rest) {
		v, m, err := decodeValue(rest, payloadType)
		if err != nil {
			return nil, err
		}
		if m != len(rest) {
			return nil, decodeErrorf(KindEnum, "trailing bytes")
		}
		e.Payload = v
	}
	return e, nil
}

func decodeBlob(payload []byte) (Value, error) {
	format, n := protowire.ConsumeVarint(payload)
	if n < 0 || math.MaxUint8 < format {
		return nil, decodeErrorf(KindBlob, "format")
	}
	payload = payload[n:]
	dims, n := protowire.ConsumeVarint(payload)
	if n < 0 || uint64(len(payload)) < dims {
		return nil, decodeErrorf(KindBlob, "dims")
	}
	payload = payload[n:]
	var shape []uint32
	if 0 < dims {
		shape = make([]uint32, dims)
	}
	for i := range shape {
		dim, n := protowire.ConsumeVarint(payload)
		if n < 0 || math.MaxUint32 < dim {
			return nil, decodeErrorf(KindBlob, "dim %d", i)
		}
		shape[i] = uint32(dim)
		payload = payload[n:]
	}
	data, n := protowire.ConsumeBytes(payload)
	if n < 0 || n != len(payload) {
		return nil, decodeErrorf(KindBlob, "data")
	}
	blob := Blob{
		Format: BlobFormat(format),
		Shape:  shape,
		Data:   append([]byte(nil), data...),
	}
	if err := blob.Validate(); err != nil {
		return nil, decodeErrorf(KindBlob, "%s", err)
	}
	return blob, nil
}

func decodeGraph(payload []byte, t *Type) (Value, error) {
	precision, n := protowire.ConsumeVarint(payload)
	if n < 0 || 1 < precision {
		return nil, decodeErrorf(KindGraph, "precision")
	}
	if t != nil && GraphPrecision(precision) != t.Precision {
		return nil, decodeErrorf(KindGraph, "precision %d, expected %d", precision, t.Precision)
	}
	payload = payload[n:]
	flags, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return nil, decodeErrorf(KindGraph, "flags")
	}
	payload = payload[n:]
	count, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return nil, decodeErrorf(KindGraph, "count")
	}
	payload = payload[n:]

	pointSize := uint64(8)
	if GraphPrecision(precision) == GraphF32 {
		pointSize = 4
	}
	series := uint64(1)
	if flags&1 != 0 {
		series = 2
	}
	if uint64(len(payload)) < count || uint64(len(payload)) != count*pointSize*series {
		return nil, decodeErrorf(KindGraph, "expected %d points", count*series)
	}

	readPoints := func() []float64 {
		points := make([]float64, count)
		for i := range points {
			if pointSize == 4 {
				bits, n := protowire.ConsumeFixed32(payload)
				points[i] = float64(math.Float32frombits(bits))
				payload = payload[n:]
			} else {
				bits, n := protowire.ConsumeFixed64(payload)
				points[i] = math.Float64frombits(bits)
				payload = payload[n:]
			}
		}
		return points
	}
	graph := Graph{
		Precision: GraphPrecision(precision),
		Y:         readPoints(),
	}
	if series == 2 {
		graph.X = readPoints()
	}
	return graph, nil
}

func decodeList(payload []byte) (Value, error) {
	count, n := protowire.ConsumeVarint(payload)
	if n < 0 || uint64(len(payload)) < count {
		return nil, decodeErrorf(KindList, "count")
	}
	payload = payload[n:]
	list := make(List, count)
	for i := range list {
		id, n := protowire.ConsumeVarint(payload)
		if n < 0 || id == 0 {
			return nil, decodeErrorf(KindList, "element %d", i)
		}
		list[i] = StateId(id)
		payload = payload[n:]
	}
	if len(payload) != 0 {
		return nil, decodeErrorf(KindList, "trailing bytes")
	}
	return list, nil
}

func decodeDict(payload []byte) (Value, error) {
	count, n := protowire.ConsumeVarint(payload)
	if n < 0 || uint64(len(payload)) < count {
		return nil, decodeErrorf(KindDict, "count")
	}
	payload = payload[n:]
	dict := make(Dict, count)
	var lastKey string
	for i := uint64(0); i < count; i += 1 {
		key, n := protowire.ConsumeBytes(payload)
		if n < 0 || !utf8.Valid(key) {
			return nil, decodeErrorf(KindDict, "key %d", i)
		}
		if 0 < i && string(key) <= lastKey {
			return nil, decodeErrorf(KindDict, "keys out of order")
		}
		lastKey = string(key)
		payload = payload[n:]
		id, m := protowire.ConsumeVarint(payload)
		if m < 0 || id == 0 {
			return nil, decodeErrorf(KindDict, "value %d", i)
		}
		dict[lastKey] = StateId(id)
		payload = payload[m:]
	}
	if len(payload) != 0 {
		return nil, decodeErrorf(KindDict, "trailing bytes")
	}
	return dict, nil
}
