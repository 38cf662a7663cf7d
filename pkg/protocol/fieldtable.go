package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"seasieve/pkg/ntp"
	"seasieve/pkg/particle"
)

// FieldDef places one typed field inside a fixed-layout record.
type FieldDef struct {
	Name   string
	CType  string
	Offset int
	Size   int
}

// FieldTable decodes fixed-layout binary records into ordered particle values.
type FieldTable struct {
	Name     string
	ByteSize int
	Order    binary.ByteOrder
	Fields   []FieldDef
}

// NewFieldTable validates fields against size and normalizes their types.
func NewFieldTable(name string, size int, order binary.ByteOrder, fields []FieldDef) (*FieldTable, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid byte size: %d", size)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("field table %s requires at least one field", name)
	}
	if order == nil {
		order = binary.LittleEndian
	}

	table := &FieldTable{
		Name:     name,
		ByteSize: size,
		Order:    order,
		Fields:   make([]FieldDef, 0, len(fields)),
	}
	for _, field := range fields {
		ctype := NormalizeType(field.CType)
		want, ok := TypeSize(ctype)
		if !ok {
			return nil, fmt.Errorf("unsupported c type %q", field.CType)
		}
		if field.Size == 0 {
			field.Size = want
		}
		if field.Size != want {
			return nil, fmt.Errorf("field %s size mismatch: got %d want %d", field.Name, field.Size, want)
		}
		if field.Offset < 0 {
			return nil, fmt.Errorf("field %s has invalid offset %d", field.Name, field.Offset)
		}
		if field.Offset+field.Size > size {
			return nil, fmt.Errorf("field %s exceeds record size", field.Name)
		}
		table.Fields = append(table.Fields, FieldDef{
			Name:   field.Name,
			CType:  ctype,
			Offset: field.Offset,
			Size:   field.Size,
		})
	}
	return table, nil
}

// Decode returns one value per field in table order. Records shorter than the
// table are rejected; longer ones only when strict is set.
func (t *FieldTable) Decode(record []byte, strict bool) ([]particle.Value, error) {
	if len(record) < t.ByteSize || (strict && len(record) != t.ByteSize) {
		return nil, fmt.Errorf("record size %d does not match %s size %d", len(record), t.Name, t.ByteSize)
	}

	out := make([]particle.Value, 0, len(t.Fields))
	for _, field := range t.Fields {
		value, err := decodeValue(t.Order, field.CType, record[field.Offset:field.Offset+field.Size])
		if err != nil {
			return nil, fmt.Errorf("decode field %s of %s: %w", field.Name, t.Name, err)
		}
		out = append(out, particle.Value{ID: particle.ValueID(field.Name), Value: value})
	}
	return out, nil
}

func decodeValue(order binary.ByteOrder, ctype string, data []byte) (any, error) {
	switch ctype {
	case "float":
		return math.Float32frombits(order.Uint32(data)), nil
	case "double":
		return math.Float64frombits(order.Uint64(data)), nil
	case "int8_t":
		return int8(data[0]), nil
	case "uint8_t":
		return uint8(data[0]), nil
	case "int16_t":
		return int16(order.Uint16(data)), nil
	case "uint16_t":
		return order.Uint16(data), nil
	case "uint24_t":
		return uint24(order, data), nil
	case "int32_t":
		return int32(order.Uint32(data)), nil
	case "uint32_t":
		return order.Uint32(data), nil
	case "int64_t":
		return int64(order.Uint64(data)), nil
	case "uint64_t":
		return order.Uint64(data), nil
	case "ntp64_t":
		return ntp.Unpack(order.Uint64(data)), nil
	case "bool", "_bool":
		return data[0] != 0, nil
	default:
		return nil, fmt.Errorf("unsupported c type %q", ctype)
	}
}

// uint24 reads the three-byte unsigned integers common in CTD records.
func uint24(order binary.ByteOrder, data []byte) uint32 {
	if order == binary.BigEndian {
		return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	}
	return uint32(data[2])<<16 | uint32(data[1])<<8 | uint32(data[0])
}

func TypeSize(ctype string) (int, bool) {
	switch ctype {
	case "float":
		return 4, true
	case "double":
		return 8, true
	case "int8_t", "uint8_t", "bool", "_bool":
		return 1, true
	case "int16_t", "uint16_t":
		return 2, true
	case "uint24_t":
		return 3, true
	case "int32_t", "uint32_t":
		return 4, true
	case "int64_t", "uint64_t", "ntp64_t":
		return 8, true
	default:
		return 0, false
	}
}

func NormalizeType(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "\t", " ")
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	s = strings.TrimPrefix(s, "const ")
	s = strings.TrimPrefix(s, "volatile ")
	return strings.TrimSpace(s)
}

// ParseByteOrder accepts "big"/"little" (and their "-endian" spellings).
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "little", "little-endian", "le":
		return binary.LittleEndian, nil
	case "big", "big-endian", "be":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q", s)
	}
}
