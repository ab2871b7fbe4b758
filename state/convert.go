package state

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// native conversion layer. every conversion is checked against the slot type

func IntOf[T constraints.Signed](v T) Int {
	return Int(int64(v))
}

func UintOf[T constraints.Unsigned](v T) Uint {
	return Uint(uint64(v))
}

func FloatOf[T constraints.Float](v T) Float {
	return Float(float64(v))
}

func GraphOf[T constraints.Float](precision GraphPrecision, y []T, x []T) Graph {
	convert := func(points []T) []float64 {
		if points == nil {
			return nil
		}
		out := make([]float64, len(points))
		for i, point := range points {
			out[i] = float64(point)
		}
		return out
	}
	graph := Graph{
		Precision: precision,
		Y:         convert(y),
		X:         convert(x),
	}
	if graph.Y == nil {
		graph.Y = []float64{}
	}
	return graph
}

// integer-like native values, including integral floats as produced by yaml and json
func nativeInt(v any) (int64, bool) {
	switch w := v.(type) {
	case int:
		return int64(IntOf(w)), true
	case int8:
		return int64(IntOf(w)), true
	case int16:
		return int64(IntOf(w)), true
	case int32:
		return int64(IntOf(w)), true
	case int64:
		return w, true
	case uint:
		return uintToInt(UintOf(w))
	case uint8:
		return int64(w), true
	case uint16:
		return int64(w), true
	case uint32:
		return int64(w), true
	case uint64:
		return uintToInt(UintOf(w))
	case float32:
		return floatToInt(float64(w))
	case float64:
		return floatToInt(w)
	default:
		return 0, false
	}
}

func uintToInt(v Uint) (int64, bool) {
	if math.MaxInt64 < uint64(v) {
		return 0, false
	}
	return int64(v), true
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || math.MaxInt64 <= f {
		return 0, false
	}
	return int64(f), true
}

func nativeFloat(v any) (float64, bool) {
	switch w := v.(type) {
	case float32:
		return float64(FloatOf(w)), true
	case float64:
		return w, true
	default:
		if i, ok := nativeInt(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

// FromGo converts a native Go value to a value of type `t`.
// A `Value` is accepted as is after the type check.
func FromGo(t Type, v any) (Value, error) {
	value, err := fromGo(t, v)
	if err != nil {
		return nil, err
	}
	if err := t.Check(value); err != nil {
		return nil, err
	}
	return value, nil
}

func fromGo(t Type, v any) (Value, error) {
	if value, ok := v.(Value); ok {
		return value, nil
	}
	mismatch := func() error {
		return fmt.Errorf("%w: cannot convert %T to %s", ErrTypeMismatch, v, t.Kind)
	}

	switch t.Kind {
	case KindBool:
		if b, ok := v.(bool); ok {
			return Bool(b), nil
		}
	case KindInt:
		if i, ok := nativeInt(v); ok {
			return Int(i), nil
		}
	case KindAtomic:
		if i, ok := nativeInt(v); ok {
			return Atomic(i), nil
		}
	case KindUint:
		switch w := v.(type) {
		case uint64:
			return UintOf(w), nil
		case uint:
			return UintOf(w), nil
		}
		if i, ok := nativeInt(v); ok && 0 <= i {
			return Uint(i), nil
		}
	case KindFloat:
		if f, ok := nativeFloat(v); ok {
			if t.width() == 32 {
				f = float64(float32(f))
			}
			return Float(f), nil
		}
	case KindString:
		if s, ok := v.(string); ok {
			return String(s), nil
		}
	case KindEnum:
		return enumFromGo(t, v)
	case KindBlob:
		if b, ok := v.([]byte); ok {
			return Blob{Format: BlobRaw, Data: b}, nil
		}
	case KindGraph:
		switch w := v.(type) {
		case []float64:
			return GraphOf(t.Precision, w, nil), nil
		case []float32:
			return GraphOf(t.Precision, w, nil), nil
		case []any:
			y := make([]float64, len(w))
			for i, point := range w {
				f, ok := nativeFloat(point)
				if !ok {
					return nil, mismatch()
				}
				y[i] = f
			}
			return Graph{Precision: t.Precision, Y: y}, nil
		}
	case KindList:
		switch w := v.(type) {
		case []StateId:
			return List(w), nil
		case []any:
			list := make(List, len(w))
			for i, element := range w {
				id, ok := nativeInt(element)
				if !ok || id <= 0 {
					return nil, mismatch()
				}
				list[i] = StateId(id)
			}
			return list, nil
		}
	case KindDict:
		switch w := v.(type) {
		case map[string]StateId:
			return Dict(w), nil
		case map[string]any:
			dict := make(Dict, len(w))
			for key, element := range w {
				id, ok := nativeInt(element)
				if !ok || id <= 0 {
					return nil, mismatch()
				}
				dict[key] = StateId(id)
			}
			return dict, nil
		}
	}
	return nil, mismatch()
}

// enums convert from a variant name, a discriminant,
// or a single entry map of variant name to payload
func enumFromGo(t Type, v any) (Value, error) {
	if name, ok := v.(string); ok {
		variant, ok := t.VariantByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, name)
		}
		return Enum{Discriminant: variant.Discriminant}, nil
	}
	if i, ok := nativeInt(v); ok {
		if i < 0 || math.MaxUint32 < i {
			return nil, fmt.Errorf("%w: discriminant %d", ErrTypeMismatch, i)
		}
		return Enum{Discriminant: uint32(i)}, nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		for name, payload := range m {
			variant, ok := t.VariantByName(name)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, name)
			}
			if variant.Payload == nil {
				return nil, fmt.Errorf("%w: variant %s has no payload", ErrTypeMismatch, name)
			}
			payloadValue, err := FromGo(*variant.Payload, payload)
			if err != nil {
				return nil, err
			}
			return Enum{Discriminant: variant.Discriminant, Payload: payloadValue}, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot convert %T to enum", ErrTypeMismatch, v)
}

// ToGo converts to the natural Go representation. Enums become the variant name,
// or a single entry map when the variant carries a payload.
func ToGo(t Type, v Value) any {
	switch w := v.(type) {
	case Bool:
		return bool(w)
	case Int:
		return int64(w)
	case Atomic:
		return int64(w)
	case Uint:
		return uint64(w)
	case Float:
		return float64(w)
	case String:
		return string(w)
	case Enum:
		variant, ok := t.Variant(w.Discriminant)
		if !ok {
			return w.Discriminant
		}
		if w.Payload == nil || variant.Payload == nil {
			return variant.Name
		}
		return map[string]any{variant.Name: ToGo(*variant.Payload, w.Payload)}
	case Blob:
		return w.Data
	case Graph:
		return w.Y
	case List:
		return []StateId(w)
	case Dict:
		return map[string]StateId(w)
	default:
		return nil
	}
}

// Parse reads a value of type `t` from text, as typed on a command line.
func Parse(t Type, text string) (Value, error) {
	var value Value
	switch t.Kind {
	case KindBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, err)
		}
		value = Bool(b)
	case KindInt, KindAtomic:
		i, err := strconv.ParseInt(text, 0, int(t.width()))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, err)
		}
		if t.Kind == KindAtomic {
			value = Atomic(i)
		} else {
			value = Int(i)
		}
	case KindUint:
		u, err := strconv.ParseUint(text, 0, int(t.width()))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, err)
		}
		value = Uint(u)
	case KindFloat:
		f, err := strconv.ParseFloat(text, int(t.width()))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, err)
		}
		value = Float(f)
	case KindString:
		value = String(text)
	case KindEnum:
		name, payloadText, hasPayload := strings.Cut(text, ":")
		variant, ok := t.VariantByName(name)
		if !ok {
			d, err := strconv.ParseUint(name, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, name)
			}
			variant, ok = t.Variant(uint32(d))
			if !ok {
				return nil, &UnknownVariantError{Discriminant: uint32(d)}
			}
		}
		e := Enum{Discriminant: variant.Discriminant}
		if hasPayload {
			if variant.Payload == nil {
				return nil, fmt.Errorf("%w: variant %s has no payload", ErrTypeMismatch, variant.Name)
			}
			payload, err := Parse(*variant.Payload, payloadText)
			if err != nil {
				return nil, err
			}
			e.Payload = payload
		}
		value = e
	case KindBlob:
		data, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, err)
		}
		value = Blob{Format: BlobRaw, Data: data}
	case KindGraph:
		y := []float64{}
		for _, part := range strings.Split(text, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, err)
			}
			y = append(y, f)
		}
		value = GraphOf(t.Precision, y, nil)
	default:
		return nil, fmt.Errorf("%w: cannot parse %s", ErrTypeMismatch, t.Kind)
	}
	if err := t.Check(value); err != nil {
		return nil, err
	}
	return value, nil
}
