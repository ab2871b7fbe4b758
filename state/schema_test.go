package state

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func buildSchemaRegistry() *Registry {
	registry := NewRegistry()
	registry.RequireRegister("count", IntType(32), Int(0))
	registry.RequireRegister("mode", testEnumType, nil, WithAccess(ReadOnly))
	registry.RequireRegister("plot", GraphType(GraphF32), nil)
	return registry
}

func TestSchemaHashStable(t *testing.T) {
	a := buildSchemaRegistry()
	b := buildSchemaRegistry()
	assert.Equal(t, a.SchemaHash(), b.SchemaHash())

	// values do not contribute
	id, _ := b.Lookup("count")
	b.Mutate(id, Int(7))
	assert.Equal(t, a.SchemaHash(), b.SchemaHash())

	b.RequireRegister("extra", BoolType(), nil)
	assert.NotEqual(t, a.SchemaHash(), b.SchemaHash())
}

func TestSchemaRoundTrip(t *testing.T) {
	schema := buildSchemaRegistry().Schema()
	assert.Equal(t, 3, len(schema))
	assert.Equal(t, ReadOnly, schema[1].Access)

	decoded, err := DecodeSchema(EncodeSchema(schema))
	assert.Equal(t, err, nil)
	assert.Equal(t, schema, decoded)
	assert.Equal(t, HashSchema(schema), HashSchema(decoded))
}

func TestSchemaJson(t *testing.T) {
	schema := buildSchemaRegistry().Schema()
	b, err := json.Marshal(schema)
	assert.Equal(t, err, nil)

	var decoded []SchemaEntry
	err = json.Unmarshal(b, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, schema, decoded)
}
