package particle

// Key names a header field of a particle.
type Key string

const (
	KeyFormatID           Key = "pkt_format_id"
	KeyFormatVersion      Key = "pkt_version"
	KeyStreamName         Key = "stream_name"
	KeyInstrumentID       Key = "instrument_id"
	KeyPortTimestamp      Key = "port_timestamp"
	KeyInternalTimestamp  Key = "internal_timestamp"
	KeyDriverTimestamp    Key = "driver_timestamp"
	KeyPreferredTimestamp Key = "preferred_timestamp"
	KeyQualityFlag        Key = "quality_flag"
	KeyValues             Key = "values"
)

const (
	keyValueID = "value_id"
	keyValue   = "value"
	keyBinary  = "binary"
)

const (
	FormatID      = "JSON_Data"
	FormatVersion = 1

	RawStream  = "raw"
	RawValueID = "raw"
)

// IsTimestampKey reports whether k names one of the three header timestamps.
func IsTimestampKey(k Key) bool {
	switch k {
	case KeyPortTimestamp, KeyInternalTimestamp, KeyDriverTimestamp:
		return true
	}
	return false
}

// QualityFlag annotates the trustworthiness of a particle's values.
type QualityFlag string

const (
	QualityOK             QualityFlag = "ok"
	QualityChecksumFailed QualityFlag = "checksum_failed"
	QualityOutOfRange     QualityFlag = "out_of_range"
	QualityInvalid        QualityFlag = "invalid"
	QualityQuestionable   QualityFlag = "questionable"
)

// ValueID names a decoded value. Drivers declare their own constants.
type ValueID string

// Value is one decoded field of a particle.
type Value struct {
	ID     ValueID
	Value  any
	Binary bool
}

func (v Value) encode() map[string]any {
	out := map[string]any{
		keyValueID: string(v.ID),
		keyValue:   v.Value,
	}
	if v.Binary {
		out[keyBinary] = true
	}
	return out
}
