package state

import (
	"fmt"
	"math"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

/*
Deltas change part of a value so a large value is not sent again in full.

Delta encoding:
    varint delta kind | varint payload length | payload
Payloads:
    blob patch    varint row, varint column, blob payload of the patch
    graph append  graph payload of the appended points
*/

type DeltaKind uint8

const (
	DeltaBlobPatch   DeltaKind = 1
	DeltaGraphAppend DeltaKind = 2
)

func (self DeltaKind) String() string {
	switch self {
	case DeltaBlobPatch:
		return "blob_patch"
	case DeltaGraphAppend:
		return "graph_append"
	default:
		return fmt.Sprintf("delta(%d)", uint8(self))
	}
}

// Delta is applied to the current value of a slot to produce the next value.
type Delta interface {
	DeltaKind() DeltaKind
	// Apply returns a new value. `v` is not modified.
	Apply(v Value) (Value, error)

	appendPayload(b []byte) []byte
}

// BlobPatch overwrites a rectangle of a 2d blob. `Origin` is [row, column].
// The patch keeps the format of the blob and must fit inside it.
type BlobPatch struct {
	Origin [2]uint32
	Patch  Blob
}

func (self BlobPatch) DeltaKind() DeltaKind { return DeltaBlobPatch }

func (self BlobPatch) Apply(v Value) (Value, error) {
	blob, ok := v.(Blob)
	if !ok {
		return nil, fmt.Errorf("%w: blob patch on %s", ErrTypeMismatch, v.Kind())
	}
	if len(blob.Shape) != 2 || len(self.Patch.Shape) != 2 {
		return nil, fmt.Errorf("%w: blob patches need 2d shapes", ErrTypeMismatch)
	}
	if blob.Format != self.Patch.Format {
		return nil, fmt.Errorf("%w: patch format %s on %s blob", ErrTypeMismatch, self.Patch.Format, blob.Format)
	}
	if err := self.Patch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeMismatch, err)
	}
	height, width := uint64(blob.Shape[0]), uint64(blob.Shape[1])
	row, column := uint64(self.Origin[0]), uint64(self.Origin[1])
	patchHeight, patchWidth := uint64(self.Patch.Shape[0]), uint64(self.Patch.Shape[1])
	if height < row+patchHeight || width < column+patchWidth {
		return nil, fmt.Errorf(
			"%w: patch %dx%d at %v does not fit in %dx%d",
			ErrTypeMismatch,
			patchHeight,
			patchWidth,
			self.Origin,
			height,
			width,
		)
	}

	elementSize := uint64(blob.Format.ElementSize())
	rowLen := width * elementSize
	patchRowLen := patchWidth * elementSize
	next := Blob{
		Format: blob.Format,
		Shape:  slices.Clone(blob.Shape),
		Data:   slices.Clone(blob.Data),
	}
	for i := uint64(0); i < patchHeight; i += 1 {
		start := (row+i)*rowLen + column*elementSize
		copy(next.Data[start:start+patchRowLen], self.Patch.Data[i*patchRowLen:(i+1)*patchRowLen])
	}
	return next, nil
}

func (self BlobPatch) appendPayload(b []byte) []byte {
	b = protowire.AppendVarint(b, uint64(self.Origin[0]))
	b = protowire.AppendVarint(b, uint64(self.Origin[1]))
	return self.Patch.appendPayload(b)
}

// GraphAppend adds points to the end of a graph. `X` is set only for graphs with x values.
type GraphAppend struct {
	Y []float64
	X []float64
}

func (self GraphAppend) DeltaKind() DeltaKind { return DeltaGraphAppend }

func (self GraphAppend) Apply(v Value) (Value, error) {
	graph, ok := v.(Graph)
	if !ok {
		return nil, fmt.Errorf("%w: graph append on %s", ErrTypeMismatch, v.Kind())
	}
	if (graph.X == nil) != (self.X == nil) {
		return nil, fmt.Errorf("%w: graph append x values do not match the graph", ErrTypeMismatch)
	}
	if self.X != nil && len(self.X) != len(self.Y) {
		return nil, fmt.Errorf("%w: graph append x has %d points, y has %d", ErrTypeMismatch, len(self.X), len(self.Y))
	}
	next := Graph{
		Precision: graph.Precision,
		Y:         append(slices.Clone(graph.Y), self.points(graph.Precision, self.Y)...),
	}
	if graph.X != nil {
		next.X = append(slices.Clone(graph.X), self.points(graph.Precision, self.X)...)
	}
	return next, nil
}

// f32 graphs store the rounded points
func (self GraphAppend) points(precision GraphPrecision, points []float64) []float64 {
	if precision != GraphF32 {
		return points
	}
	rounded := make([]float64, len(points))
	for i, point := range points {
		rounded[i] = float64(float32(point))
	}
	return rounded
}

// appended points are always written as f64
func (self GraphAppend) appendPayload(b []byte) []byte {
	graph := Graph{
		Precision: GraphF64,
		Y:         self.Y,
		X:         self.X,
	}
	return graph.appendPayload(b)
}

func EncodeDelta(delta Delta) []byte {
	payload := delta.appendPayload(nil)
	b := protowire.AppendVarint(nil, uint64(delta.DeltaKind()))
	return protowire.AppendBytes(b, payload)
}

// DecodeDelta decodes a delta for a slot of type `t`.
// An unknown delta kind is `ErrUnknownKind`.
func DecodeDelta(b []byte, t Type) (Delta, error) {
	tag, payload, n, err := consumeHeader(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, decodeErrorf(t.Kind, "delta has %d trailing bytes", len(b)-n)
	}
	switch {
	case tag == uint64(DeltaBlobPatch) && t.Kind == KindBlob:
		row, n := protowire.ConsumeVarint(payload)
		if n < 0 || math.MaxUint32 < row {
			return nil, decodeErrorf(KindBlob, "patch row")
		}
		payload = payload[n:]
		column, n := protowire.ConsumeVarint(payload)
		if n < 0 || math.MaxUint32 < column {
			return nil, decodeErrorf(KindBlob, "patch column")
		}
		patch, err := decodeBlob(payload[n:])
		if err != nil {
			return nil, err
		}
		return BlobPatch{
			Origin: [2]uint32{uint32(row), uint32(column)},
			Patch:  patch.(Blob),
		}, nil
	case tag == uint64(DeltaGraphAppend) && t.Kind == KindGraph:
		points, err := decodeGraph(payload, nil)
		if err != nil {
			return nil, err
		}
		graph := points.(Graph)
		return GraphAppend{
			Y: graph.Y,
			X: graph.X,
		}, nil
	case tag == uint64(DeltaBlobPatch) || tag == uint64(DeltaGraphAppend):
		return nil, decodeErrorf(t.Kind, "%s delta on %s", DeltaKind(tag), t.Kind)
	default:
		return nil, fmt.Errorf("%w: delta %d", ErrUnknownKind, tag)
	}
}
