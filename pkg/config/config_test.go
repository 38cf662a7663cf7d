package config_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"seasieve/pkg/config"
)

func TestLoadOrDefaultFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "seasieve.toml")
	mustWriteFile(t, cfgPath, "[parser]\ndriver='CTDWFP'\n")

	cfg, exists, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !exists {
		t.Fatalf("expected config to exist")
	}
	if cfg.Parser.Driver != "ctdwfp" {
		t.Fatalf("driver not normalized: %q", cfg.Parser.Driver)
	}
	if cfg.PortAgent.Addr == "" || cfg.Bridge.WSAddr == "" || cfg.Metrics.Addr == "" {
		t.Fatalf("expected default addresses: %+v", cfg)
	}
	if cfg.Parser.ReadSize != 1024 || cfg.Log.Level != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg.Parser)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, exists, err := config.LoadOrDefault(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if exists {
		t.Fatalf("expected missing config")
	}
	if cfg.Parser.Driver != config.Default().Parser.Driver {
		t.Fatalf("expected default driver, got %q", cfg.Parser.Driver)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "none.toml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestPathsResolveRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "site", "seasieve.toml")
	mustMkdirAll(t, filepath.Dir(cfgPath))
	mustWriteFile(t, cfgPath, `
[parser]
input = "captures/ctd.bin"

[state]
path = "/var/lib/seasieve.db"
`)

	cfg, _, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got, want := cfg.InputPath(), filepath.Join(dir, "site", "captures", "ctd.bin"); got != want {
		t.Fatalf("input path: got %q want %q", got, want)
	}
	if got := cfg.StatePath(); got != "/var/lib/seasieve.db" {
		t.Fatalf("absolute state path rewritten: %q", got)
	}
	if got, want := cfg.OutputPath(), filepath.Join(dir, "site", "particles.jsonl"); got != want {
		t.Fatalf("output path: got %q want %q", got, want)
	}
}

func TestValidateRejectsBadPackets(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
[[packets]]
id = 1
stream = "a"
byte_size = 1
[[packets]]
id = 1
stream = "b"
byte_size = 1
`,
		"text id collision": `
[[packets]]
id = 0xFF
stream = "a"
byte_size = 1
`,
		"empty stream": `
[[packets]]
id = 2
byte_size = 1
`,
		"bad order": `
[[packets]]
id = 2
stream = "a"
byte_order = "middle"
byte_size = 1
`,
		"bad reconnect": `
[port_agent]
reconnect = "soon"
`,
		"reconnect cap below interval": `
[port_agent]
reconnect = "10s"
reconnect_max = "2s"
`,
		"bad read timeout": `
[port_agent]
read_timeout = "-1s"
`,
		"unmatched cap below read size": `
[parser]
read_size = 4096
max_unmatched = 1024
`,
		"bad log format": `
[log]
format = "xml"
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			cfgPath := filepath.Join(t.TempDir(), "seasieve.toml")
			mustWriteFile(t, cfgPath, content)
			if _, _, err := config.LoadOrDefault(cfgPath); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestPortAgentTimings(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "seasieve.toml")
	mustWriteFile(t, cfgPath, `
[port_agent]
reconnect = "250ms"
read_timeout = "45s"
`)
	cfg, _, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	timings, err := cfg.PortAgentTimings()
	if err != nil {
		t.Fatalf("timings: %v", err)
	}
	want := config.PortAgentTimings{
		Reconnect:    250 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  45 * time.Second,
	}
	if timings != want {
		t.Fatalf("unexpected timings: %+v", timings)
	}

	def := config.Default()
	timings, err = def.PortAgentTimings()
	if err != nil {
		t.Fatalf("default timings: %v", err)
	}
	if timings.ReadTimeout != 0 {
		t.Fatalf("read timeout should default to disabled: %v", timings.ReadTimeout)
	}
}

func TestMaxUnmatchedFollowsReadSize(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "seasieve.toml")
	mustWriteFile(t, cfgPath, "[parser]\nread_size = 131072\n")
	cfg, _, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Parser.MaxUnmatched != 131072 {
		t.Fatalf("max_unmatched should grow to read_size: %d", cfg.Parser.MaxUnmatched)
	}
}

func TestFieldTablesFromPackets(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "seasieve.toml")
	mustWriteFile(t, cfgPath, `
[parser]
driver = "ratframe"

[[packets]]
id = 0x10
stream = "imu"
byte_order = "big"
byte_size = 6

[[packets.fields]]
name = "ax"
c_type = "int16_t"
offset = 0

[[packets.fields]]
name = "ticks"
c_type = "uint32_t"
offset = 2
`)

	cfg, _, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	tables, err := cfg.FieldTables()
	if err != nil {
		t.Fatalf("field tables: %v", err)
	}
	table := tables[0x10]
	if table == nil {
		t.Fatalf("missing table for 0x10")
	}
	if table.Name != "imu" || table.Order != binary.BigEndian || len(table.Fields) != 2 {
		t.Fatalf("unexpected table: %+v", table)
	}
	if table.Fields[1].Size != 4 {
		t.Fatalf("field size not inferred: %+v", table.Fields[1])
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "nested", "seasieve.toml")
	cfg := config.Default()
	cfg.Parser.Driver = "ratframe"
	cfg.Packets = []config.PacketDef{
		{ID: 0x20, Stream: "b", ByteSize: 1, Fields: []config.FieldDef{{Name: "v", CType: "uint8_t"}}},
		{ID: 0x10, Stream: "a", ByteSize: 1, Fields: []config.FieldDef{{Name: "v", CType: "int8_t"}}},
	}
	if err := cfg.Save(cfgPath); err != nil {
		t.Fatalf("save config: %v", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if strings.Index(string(data), "id = 16") > strings.Index(string(data), "id = 32") {
		t.Fatalf("packets not sorted by id:\n%s", data)
	}

	loaded, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if loaded.Parser.Driver != "ratframe" || len(loaded.Packets) != 2 {
		t.Fatalf("unexpected reloaded config: %+v", loaded)
	}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
