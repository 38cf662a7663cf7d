package live

// ParticleSchema describes the particle records published on stream channels.
const ParticleSchema = `{
  "type": "object",
  "properties": {
    "pkt_format_id": { "type": "string" },
    "pkt_version": { "type": "integer" },
    "stream_name": { "type": "string" },
    "instrument_id": { "type": "string" },
    "port_timestamp": { "type": "number" },
    "internal_timestamp": { "type": "number" },
    "driver_timestamp": { "type": "number" },
    "preferred_timestamp": { "type": "string" },
    "quality_flag": { "type": "string" },
    "values": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "value_id": { "type": "string" },
          "value": {},
          "binary": { "type": "boolean" }
        },
        "required": ["value_id", "value"]
      }
    }
  },
  "required": ["pkt_format_id", "pkt_version", "stream_name", "preferred_timestamp", "values"]
}`

type Config struct {
	WSAddr      string
	Name        string
	TopicPrefix string
	// Streams are advertised up front; unseen streams are advertised when
	// their first particle arrives.
	Streams  []string
	LogTopic string
	LogName  string
	SendBuf  int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:      "127.0.0.1:8765",
		Name:        "seasieve",
		TopicPrefix: "/seasieve/",
		LogTopic:    "/seasieve/exceptions",
		LogName:     "seasieve",
		SendBuf:     256,
	}
}
