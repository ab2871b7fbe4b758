package state

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestBlobPatch(t *testing.T) {
	// 3x4 gray
	blob, err := NewImage(BlobGray, 3, 4, make([]byte, 12))
	assert.Equal(t, err, nil)
	patch, err := NewImage(BlobGray, 2, 2, []byte{1, 2, 3, 4})
	assert.Equal(t, err, nil)

	v, err := BlobPatch{Origin: [2]uint32{1, 2}, Patch: patch}.Apply(blob)
	assert.Equal(t, err, nil)
	assert.Equal(t, []byte{
		0, 0, 0, 0,
		0, 0, 1, 2,
		0, 0, 3, 4,
	}, v.(Blob).Data)
	// the patched blob is a copy
	assert.Equal(t, make([]byte, 12), blob.Data)

	_, err = BlobPatch{Origin: [2]uint32{2, 2}, Patch: patch}.Apply(blob)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))
	_, err = BlobPatch{Origin: [2]uint32{0, 3}, Patch: patch}.Apply(blob)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))

	color, err := NewImage(BlobColor, 1, 1, []byte{1, 2, 3})
	assert.Equal(t, err, nil)
	_, err = BlobPatch{Patch: color}.Apply(blob)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))

	raw := Blob{Format: BlobRaw, Shape: []uint32{12}, Data: make([]byte, 12)}
	_, err = BlobPatch{Patch: patch}.Apply(raw)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))

	_, err = BlobPatch{Patch: patch}.Apply(Int(1))
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))
}

func TestBlobPatchColumns(t *testing.T) {
	// elements wider than one byte move whole pixels
	blob, err := NewImage(BlobGrayAlpha, 2, 2, make([]byte, 8))
	assert.Equal(t, err, nil)
	patch, err := NewImage(BlobGrayAlpha, 1, 1, []byte{7, 8})
	assert.Equal(t, err, nil)

	v, err := BlobPatch{Origin: [2]uint32{1, 1}, Patch: patch}.Apply(blob)
	assert.Equal(t, err, nil)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 7, 8}, v.(Blob).Data)
}

func TestGraphAppend(t *testing.T) {
	graph := Graph{Precision: GraphF64, Y: []float64{1, 2}}
	v, err := GraphAppend{Y: []float64{3}}.Apply(graph)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, v.Equal(Graph{Precision: GraphF64, Y: []float64{1, 2, 3}}))
	assert.Equal(t, 2, len(graph.Y))

	_, err = GraphAppend{Y: []float64{3}, X: []float64{3}}.Apply(graph)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))

	withX := Graph{Precision: GraphF64, Y: []float64{1}, X: []float64{0}}
	_, err = GraphAppend{Y: []float64{2}}.Apply(withX)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))
	_, err = GraphAppend{Y: []float64{2, 3}, X: []float64{1}}.Apply(withX)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))
	v, err = GraphAppend{Y: []float64{2}, X: []float64{0.5}}.Apply(withX)
	assert.Equal(t, err, nil)
	assert.Equal(t, []float64{0, 0.5}, v.(Graph).X)

	// f32 graphs store rounded points
	f32 := Graph{Precision: GraphF32, Y: []float64{}}
	v, err = GraphAppend{Y: []float64{0.1}}.Apply(f32)
	assert.Equal(t, err, nil)
	assert.Equal(t, []float64{float64(float32(0.1))}, v.(Graph).Y)

	_, err = GraphAppend{Y: []float64{1}}.Apply(String("x"))
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))
}

func TestDeltaCodec(t *testing.T) {
	patch, err := NewImage(BlobColor, 1, 2, []byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, err, nil)
	blobPatch := BlobPatch{Origin: [2]uint32{3, 4}, Patch: patch}
	delta, err := DecodeDelta(EncodeDelta(blobPatch), BlobType())
	assert.Equal(t, err, nil)
	assert.Equal(t, DeltaBlobPatch, delta.DeltaKind())
	assert.Equal(t, blobPatch.Origin, delta.(BlobPatch).Origin)
	assert.Equal(t, true, patch.Equal(delta.(BlobPatch).Patch))

	graphAppend := GraphAppend{Y: []float64{1.5, 2.5}, X: []float64{10, 20}}
	delta, err = DecodeDelta(EncodeDelta(graphAppend), GraphType(GraphF32))
	assert.Equal(t, err, nil)
	assert.Equal(t, graphAppend.Y, delta.(GraphAppend).Y)
	assert.Equal(t, graphAppend.X, delta.(GraphAppend).X)

	// a delta for another kind of slot is malformed
	_, err = DecodeDelta(EncodeDelta(graphAppend), BlobType())
	var decodeErr *DecodeError
	assert.Equal(t, true, errors.As(err, &decodeErr))

	// an unknown delta kind is skipped by the caller
	b := EncodeDelta(graphAppend)
	b[0] = 9
	_, err = DecodeDelta(b, GraphType(GraphF64))
	assert.Equal(t, true, errors.Is(err, ErrUnknownKind))

	_, err = DecodeDelta(append(EncodeDelta(graphAppend), 0), GraphType(GraphF64))
	assert.Equal(t, true, errors.As(err, &decodeErr))
}
