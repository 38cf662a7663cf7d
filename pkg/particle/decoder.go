package particle

// Decoder builds the parsed values of a particle from its raw payload.
type Decoder interface {
	StreamName() string
	BuildValues(raw []byte) ([]Value, error)
}

// DecoderFunc adapts a function to a Decoder for the named stream.
type DecoderFunc struct {
	Stream string
	Build  func(raw []byte) ([]Value, error)
}

func (d DecoderFunc) StreamName() string { return d.Stream }

func (d DecoderFunc) BuildValues(raw []byte) ([]Value, error) {
	return d.Build(raw)
}

// StaticDecoder returns values decoded ahead of time, used by drivers whose
// decoding needs context beyond the raw bytes.
type StaticDecoder struct {
	Stream string
	Values []Value
}

func (d StaticDecoder) StreamName() string { return d.Stream }

func (d StaticDecoder) BuildValues([]byte) ([]Value, error) {
	out := make([]Value, len(d.Values))
	copy(out, d.Values)
	return out, nil
}
