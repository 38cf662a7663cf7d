package protocol_test

import (
	"encoding/binary"
	"reflect"
	"testing"

	"seasieve/pkg/ntp"
	"seasieve/pkg/protocol"
)

func TestFieldTableDecodeLittleEndian(t *testing.T) {
	table, err := protocol.NewFieldTable("tick", 8, binary.LittleEndian, []protocol.FieldDef{
		{Name: "value", CType: "int32_t", Offset: 0, Size: 4},
		{Name: "tick_ms", CType: "const uint32_t", Offset: 4},
	})
	if err != nil {
		t.Fatalf("new field table: %v", err)
	}

	payload := make([]byte, 8)
	value := int32(-12)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(value))
	binary.LittleEndian.PutUint32(payload[4:8], 123)

	values, err := table.Decode(payload, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("unexpected value count: %d", len(values))
	}
	if values[0].ID != "value" || !reflect.DeepEqual(values[0].Value, int32(-12)) {
		t.Fatalf("unexpected value: %#v", values[0])
	}
	if values[1].ID != "tick_ms" || !reflect.DeepEqual(values[1].Value, uint32(123)) {
		t.Fatalf("unexpected tick_ms: %#v", values[1])
	}
}

func TestFieldTableBigEndianUint24(t *testing.T) {
	table, err := protocol.NewFieldTable("ctd", 11, binary.BigEndian, []protocol.FieldDef{
		{Name: "conductivity", CType: "uint24_t", Offset: 0},
		{Name: "temperature", CType: "uint24_t", Offset: 3},
	})
	if err != nil {
		t.Fatalf("new field table: %v", err)
	}
	record := []byte{0x00, 0x1A, 0x2B, 0x01, 0x02, 0x03, 0, 0, 0, 0, 0}
	values, err := table.Decode(record, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if values[0].Value != uint32(0x001A2B) || values[1].Value != uint32(0x010203) {
		t.Fatalf("unexpected values: %#v", values)
	}
}

func TestFieldTableNTPTimestamp(t *testing.T) {
	table, err := protocol.NewFieldTable("clock", 8, binary.BigEndian, []protocol.FieldDef{
		{Name: "sampled_at", CType: "ntp64_t", Offset: 0},
	})
	if err != nil {
		t.Fatalf("new field table: %v", err)
	}
	want := 3604305600.5
	record := binary.BigEndian.AppendUint64(nil, ntp.Pack(want))
	values, err := table.Decode(record, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if values[0].Value != want {
		t.Fatalf("unexpected timestamp: %#v", values[0].Value)
	}
}

func TestFieldTableSizeMismatch(t *testing.T) {
	table, err := protocol.NewFieldTable("v", 4, nil, []protocol.FieldDef{
		{Name: "v", CType: "uint32_t", Offset: 0, Size: 4},
	})
	if err != nil {
		t.Fatalf("new field table: %v", err)
	}
	if _, err := table.Decode([]byte{0x01}, false); err == nil {
		t.Fatalf("expected size mismatch error")
	}
	if _, err := table.Decode([]byte{1, 2, 3, 4, 5}, true); err == nil {
		t.Fatalf("expected strict size mismatch error")
	}
	if _, err := table.Decode([]byte{1, 2, 3, 4, 5}, false); err != nil {
		t.Fatalf("unexpected lenient error: %v", err)
	}
}

func TestNewFieldTableRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		fields []protocol.FieldDef
	}{
		{"unknown type", []protocol.FieldDef{{Name: "x", CType: "char*", Offset: 0}}},
		{"size mismatch", []protocol.FieldDef{{Name: "x", CType: "uint16_t", Size: 4}}},
		{"negative offset", []protocol.FieldDef{{Name: "x", CType: "uint8_t", Offset: -1}}},
		{"overflow", []protocol.FieldDef{{Name: "x", CType: "uint32_t", Offset: 2}}},
		{"empty", nil},
	}
	for _, tc := range cases {
		if _, err := protocol.NewFieldTable("t", 4, nil, tc.fields); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseByteOrder(t *testing.T) {
	if order, err := protocol.ParseByteOrder("big"); err != nil || order != binary.BigEndian {
		t.Fatalf("unexpected order: %v %v", order, err)
	}
	if order, err := protocol.ParseByteOrder(""); err != nil || order != binary.LittleEndian {
		t.Fatalf("unexpected default order: %v %v", order, err)
	}
	if _, err := protocol.ParseByteOrder("middle"); err == nil {
		t.Fatalf("expected error for unknown order")
	}
}
