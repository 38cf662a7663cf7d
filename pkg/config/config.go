package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"seasieve/pkg/protocol"
)

const DefaultConfigPath = "seasieve.toml"

type Config struct {
	Parser    ParserConfig    `toml:"parser"`
	State     StateConfig     `toml:"state"`
	Output    OutputConfig    `toml:"output"`
	PortAgent PortAgentConfig `toml:"port_agent"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Log       LogConfig       `toml:"log"`
	Packets   []PacketDef     `toml:"packets"`

	configPath string `toml:"-"`
}

type ParserConfig struct {
	Driver       string `toml:"driver"`
	InstrumentID string `toml:"instrument_id"`
	Input        string `toml:"input,omitempty"`
	ReadSize     int    `toml:"read_size"`
	Batch        int    `toml:"batch"`
	TextID       uint16 `toml:"text_id"`
	StrictSize   bool   `toml:"strict_size"`
	// MaxUnmatched bounds how many bytes may sit in the buffer without a
	// record before the oldest are reported as noise.
	MaxUnmatched int `toml:"max_unmatched"`
}

type StateConfig struct {
	Path   string `toml:"path"`
	Bucket string `toml:"bucket"`
}

type OutputConfig struct {
	Path string `toml:"path"`
	Raw  bool   `toml:"raw"`
}

type PortAgentConfig struct {
	Addr         string `toml:"addr"`
	Reconnect    string `toml:"reconnect"`
	ReconnectMax string `toml:"reconnect_max"`
	DialTimeout  string `toml:"dial_timeout"`
	ReadTimeout  string `toml:"read_timeout,omitempty"`
	ReaderBuf    int    `toml:"reader_buf"`
}

type BridgeConfig struct {
	WSAddr  string `toml:"ws_addr"`
	Name    string `toml:"name"`
	SendBuf int    `toml:"send_buf"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// PacketDef describes one ratframe packet id and its payload layout.
type PacketDef struct {
	ID        uint16     `toml:"id"`
	Stream    string     `toml:"stream"`
	ByteOrder string     `toml:"byte_order,omitempty"`
	ByteSize  int        `toml:"byte_size"`
	Fields    []FieldDef `toml:"fields"`
}

type FieldDef struct {
	Name   string `toml:"name"`
	CType  string `toml:"c_type"`
	Offset int    `toml:"offset"`
	Size   int    `toml:"size,omitempty"`
}

func Default() Config {
	return Config{
		Parser: ParserConfig{
			Driver:     "sbe37",
			ReadSize:   1024,
			Batch:      64,
			TextID:       0xFF,
			StrictSize:   true,
			MaxUnmatched: 64 * 1024,
		},
		State: StateConfig{
			Path:   "seasieve.db",
			Bucket: "parser_state",
		},
		Output: OutputConfig{
			Path: "particles.jsonl",
		},
		PortAgent: PortAgentConfig{
			Addr:         "127.0.0.1:4001",
			Reconnect:    "1s",
			ReconnectMax: "30s",
			DialTimeout:  "5s",
			ReaderBuf:    64 * 1024,
		},
		Bridge: BridgeConfig{
			WSAddr:  "127.0.0.1:8765",
			Name:    "seasieve",
			SendBuf: 256,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9108",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Packets: []PacketDef{},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	sort.Slice(cfg.Packets, func(i, j int) bool {
		return cfg.Packets[i].ID < cfg.Packets[j].ID
	})

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

// PortAgentTimings holds the parsed port_agent durations. A zero ReadTimeout
// disables the idle read deadline.
type PortAgentTimings struct {
	Reconnect    time.Duration
	ReconnectMax time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
}

func (cfg *Config) PortAgentTimings() (PortAgentTimings, error) {
	var t PortAgentTimings
	var err error
	if t.Reconnect, err = parseDuration("port_agent.reconnect", cfg.PortAgent.Reconnect, false); err != nil {
		return PortAgentTimings{}, err
	}
	if t.ReconnectMax, err = parseDuration("port_agent.reconnect_max", cfg.PortAgent.ReconnectMax, false); err != nil {
		return PortAgentTimings{}, err
	}
	if t.DialTimeout, err = parseDuration("port_agent.dial_timeout", cfg.PortAgent.DialTimeout, false); err != nil {
		return PortAgentTimings{}, err
	}
	if t.ReadTimeout, err = parseDuration("port_agent.read_timeout", cfg.PortAgent.ReadTimeout, true); err != nil {
		return PortAgentTimings{}, err
	}
	if t.ReconnectMax < t.Reconnect {
		return PortAgentTimings{}, fmt.Errorf("port_agent.reconnect_max %s is below port_agent.reconnect %s", t.ReconnectMax, t.Reconnect)
	}
	return t, nil
}

func parseDuration(name, value string, optional bool) (time.Duration, error) {
	if optional && value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s invalid: %q", name, value)
	}
	return d, nil
}

func (cfg *Config) Validate() error {
	if cfg.Parser.Driver == "" {
		return fmt.Errorf("parser.driver is empty")
	}
	if cfg.Parser.TextID > 0xFF {
		return fmt.Errorf("parser.text_id out of range: 0x%x", cfg.Parser.TextID)
	}
	if cfg.Parser.MaxUnmatched < cfg.Parser.ReadSize {
		return fmt.Errorf("parser.max_unmatched %d is below parser.read_size %d", cfg.Parser.MaxUnmatched, cfg.Parser.ReadSize)
	}
	if _, err := cfg.PortAgentTimings(); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json: %q", cfg.Log.Format)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level unknown: %q", cfg.Log.Level)
	}

	seen := make(map[uint16]struct{}, len(cfg.Packets))
	for _, pkt := range cfg.Packets {
		if pkt.ID > 0xFF {
			return fmt.Errorf("packet id out of range: 0x%x", pkt.ID)
		}
		if pkt.ID == cfg.Parser.TextID {
			return fmt.Errorf("packet 0x%02x collides with parser.text_id", pkt.ID)
		}
		if _, ok := seen[pkt.ID]; ok {
			return fmt.Errorf("duplicate packet id: 0x%02x", pkt.ID)
		}
		seen[pkt.ID] = struct{}{}
		if pkt.Stream == "" {
			return fmt.Errorf("packet 0x%02x has empty stream", pkt.ID)
		}
		if pkt.ByteSize <= 0 {
			return fmt.Errorf("packet 0x%02x has invalid byte_size", pkt.ID)
		}
		if _, err := protocol.ParseByteOrder(pkt.ByteOrder); err != nil {
			return fmt.Errorf("packet 0x%02x: %w", pkt.ID, err)
		}
		for _, field := range pkt.Fields {
			if field.Name == "" {
				return fmt.Errorf("packet 0x%02x has field with empty name", pkt.ID)
			}
			if field.Size < 0 {
				return fmt.Errorf("packet 0x%02x field %s has invalid size", pkt.ID, field.Name)
			}
			if field.Offset < 0 {
				return fmt.Errorf("packet 0x%02x field %s has invalid offset", pkt.ID, field.Name)
			}
		}
	}
	return nil
}

// FieldTables builds one decoding table per configured packet id.
func (cfg *Config) FieldTables() (map[uint8]*protocol.FieldTable, error) {
	tables := make(map[uint8]*protocol.FieldTable, len(cfg.Packets))
	for _, pkt := range cfg.Packets {
		order, err := protocol.ParseByteOrder(pkt.ByteOrder)
		if err != nil {
			return nil, fmt.Errorf("packet 0x%02x: %w", pkt.ID, err)
		}
		fields := make([]protocol.FieldDef, 0, len(pkt.Fields))
		for _, f := range pkt.Fields {
			fields = append(fields, protocol.FieldDef{
				Name:   f.Name,
				CType:  f.CType,
				Offset: f.Offset,
				Size:   f.Size,
			})
		}
		table, err := protocol.NewFieldTable(pkt.Stream, pkt.ByteSize, order, fields)
		if err != nil {
			return nil, fmt.Errorf("packet 0x%02x: %w", pkt.ID, err)
		}
		tables[uint8(pkt.ID)] = table
	}
	return tables, nil
}

func (cfg *Config) normalize(path string) {
	def := Default()

	cfg.Parser.Driver = strings.ToLower(strings.TrimSpace(cfg.Parser.Driver))
	if cfg.Parser.Driver == "" {
		cfg.Parser.Driver = def.Parser.Driver
	}
	if cfg.Parser.ReadSize <= 0 {
		cfg.Parser.ReadSize = def.Parser.ReadSize
	}
	if cfg.Parser.Batch <= 0 {
		cfg.Parser.Batch = def.Parser.Batch
	}
	if cfg.Parser.MaxUnmatched <= 0 {
		cfg.Parser.MaxUnmatched = max(def.Parser.MaxUnmatched, cfg.Parser.ReadSize)
	}

	if cfg.State.Bucket == "" {
		cfg.State.Bucket = def.State.Bucket
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	if cfg.Output.Path == "" {
		cfg.Output.Path = def.Output.Path
	}

	if cfg.PortAgent.Addr == "" {
		cfg.PortAgent.Addr = def.PortAgent.Addr
	}
	if cfg.PortAgent.Reconnect == "" {
		cfg.PortAgent.Reconnect = def.PortAgent.Reconnect
	}
	if cfg.PortAgent.ReconnectMax == "" {
		cfg.PortAgent.ReconnectMax = def.PortAgent.ReconnectMax
	}
	if cfg.PortAgent.DialTimeout == "" {
		cfg.PortAgent.DialTimeout = def.PortAgent.DialTimeout
	}
	if cfg.PortAgent.ReaderBuf <= 0 {
		cfg.PortAgent.ReaderBuf = def.PortAgent.ReaderBuf
	}

	if cfg.Bridge.WSAddr == "" {
		cfg.Bridge.WSAddr = def.Bridge.WSAddr
	}
	if cfg.Bridge.Name == "" {
		cfg.Bridge.Name = def.Bridge.Name
	}
	if cfg.Bridge.SendBuf <= 0 {
		cfg.Bridge.SendBuf = def.Bridge.SendBuf
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path
}

// StatePath, OutputPath and InputPath resolve relative paths against the
// config file's directory.
func (cfg *Config) StatePath() string { return cfg.resolve(cfg.State.Path) }

func (cfg *Config) OutputPath() string { return cfg.resolve(cfg.Output.Path) }

func (cfg *Config) InputPath() string {
	if cfg.Parser.Input == "" {
		return ""
	}
	return cfg.resolve(cfg.Parser.Input)
}

func (cfg *Config) resolve(p string) string {
	baseDir := filepath.Dir(cfg.configPath)
	if p == "-" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
