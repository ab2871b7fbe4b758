package state

import (
	"crypto/sha256"
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"
)

// SchemaEntry describes one slot for stub generators. It carries no value.
type SchemaEntry struct {
	Id     StateId `json:"id"`
	Name   string  `json:"name,omitempty"`
	Type   Type    `json:"type"`
	Access Access  `json:"access"`
}

const (
	schemaFieldEntry protowire.Number = 1

	schemaEntryFieldId     protowire.Number = 1
	schemaEntryFieldName   protowire.Number = 2
	schemaEntryFieldType   protowire.Number = 3
	schemaEntryFieldAccess protowire.Number = 4
)

func (self *Registry) Schema() []SchemaEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := make([]SchemaEntry, 0, len(self.order))
	for _, id := range self.order {
		s := self.slots[id]
		entries = append(entries, SchemaEntry{
			Id:     s.id,
			Name:   s.name,
			Type:   s.t,
			Access: s.access,
		})
	}
	return entries
}

// SchemaHash is the first 8 bytes of the sha256 of the canonical schema encoding.
// Both sides of a connection compute the same hash for the same registrations.
func (self *Registry) SchemaHash() uint64 {
	return HashSchema(self.Schema())
}

func HashSchema(entries []SchemaEntry) uint64 {
	sum := sha256.Sum256(EncodeSchema(entries))
	return binary.BigEndian.Uint64(sum[0:8])
}

func EncodeSchema(entries []SchemaEntry) []byte {
	var b []byte
	for _, entry := range entries {
		var eb []byte
		eb = protowire.AppendTag(eb, schemaEntryFieldId, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(entry.Id))
		if entry.Name != "" {
			eb = protowire.AppendTag(eb, schemaEntryFieldName, protowire.BytesType)
			eb = protowire.AppendString(eb, entry.Name)
		}
		eb = protowire.AppendTag(eb, schemaEntryFieldType, protowire.BytesType)
		eb = protowire.AppendBytes(eb, EncodeType(entry.Type))
		if entry.Access != ReadWrite {
			eb = protowire.AppendTag(eb, schemaEntryFieldAccess, protowire.VarintType)
			eb = protowire.AppendVarint(eb, uint64(entry.Access))
		}
		b = protowire.AppendTag(b, schemaFieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

func DecodeSchema(b []byte) ([]SchemaEntry, error) {
	entries := []SchemaEntry{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num != schemaFieldEntry || typ != protowire.BytesType {
			return -1, nil
		}
		eb, n := protowire.ConsumeBytes(field)
		if n < 0 {
			return 0, decodeErrorf(KindInvalid, "schema entry")
		}
		entry, err := decodeSchemaEntry(eb)
		if err != nil {
			return 0, err
		}
		entries = append(entries, entry)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func decodeSchemaEntry(b []byte) (SchemaEntry, error) {
	var entry SchemaEntry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch {
		case num == schemaEntryFieldId && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				return 0, decodeErrorf(KindInvalid, "schema id")
			}
			entry.Id = StateId(v)
			return n, nil
		case num == schemaEntryFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return 0, decodeErrorf(KindInvalid, "schema name")
			}
			entry.Name = string(v)
			return n, nil
		case num == schemaEntryFieldType && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(field)
			if n < 0 {
				return 0, decodeErrorf(KindInvalid, "schema type")
			}
			t, err := DecodeType(v)
			if err != nil {
				return 0, err
			}
			entry.Type = t
			return n, nil
		case num == schemaEntryFieldAccess && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(field)
			if n < 0 {
				return 0, decodeErrorf(KindInvalid, "schema access")
			}
			entry.Access = Access(v)
			return n, nil
		default:
			return -1, nil
		}
	})
	return entry, err
}
