package sbe37_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seasieve/pkg/drivers/sbe37"
	"seasieve/pkg/errs"
	"seasieve/pkg/ntp"
	"seasieve/pkg/parser"
)

const capture = "S>\r\n" +
	"#  18.6784,  3.82543,   21.356, 30 Sep 2013 14:02:25\r\n" +
	"S>ts\r\n" +
	"#  18.6790,  3.82550,   21.360, 30 Sep 2013 14:02:35\r\n" +
	"#  18.6800,  garbled\r\n" +
	"#  18.6801,  3.82551,   21.361, 31 Feb 2013 14:02:45\r\n" +
	"\r\n" +
	"#  18.6802,  3.82552,   21.362, 30 Sep 2013 14:02:55\r\n"

func TestParseCapture(t *testing.T) {
	readAt := time.Date(2013, 9, 30, 14, 3, 0, 0, time.UTC)
	var reported []error
	p, err := parser.New(strings.NewReader(capture), sbe37.New("SBE37-1234"), nil,
		parser.WithClock(func() time.Time { return readAt }),
		parser.WithExceptionCallback(func(err error) { reported = append(reported, err) }),
	)
	require.NoError(t, err)

	records, err := p.GetRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	first := records[0]
	assert.Equal(t, sbe37.Stream, first.StreamName())
	wantTime := time.Date(2013, 9, 30, 14, 2, 25, 0, time.UTC)
	assert.Equal(t, ntp.FromTime(wantTime), *first.InternalTimestamp())
	assert.Equal(t, ntp.FromTime(readAt), *first.PortTimestamp())

	data, err := first.GenerateParsed()
	require.NoError(t, err)
	var rec struct {
		Instrument string           `json:"instrument_id"`
		Preferred  string           `json:"preferred_timestamp"`
		Values     []map[string]any `json:"values"`
	}
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "SBE37-1234", rec.Instrument)
	assert.Equal(t, "internal_timestamp", rec.Preferred)
	require.Len(t, rec.Values, 4)
	assert.Equal(t, "temperature", rec.Values[0]["value_id"])
	assert.Equal(t, 18.6784, rec.Values[0]["value"])
	assert.Equal(t, 3.82543, rec.Values[1]["value"])
	assert.Equal(t, 21.356, rec.Values[2]["value"])
	assert.Equal(t, "30 Sep 2013 14:02:25", rec.Values[3]["value"])

	require.Len(t, reported, 3)
	assert.True(t, errs.Is(reported[0], errs.KindUnexpectedData), "ts echo after prompt: %v", reported[0])
	assert.True(t, errs.Is(reported[1], errs.KindUnexpectedData), "garbled line: %v", reported[1])
	assert.True(t, errs.Is(reported[2], errs.KindSample), "impossible date: %v", reported[2])

	assert.Equal(t, int64(len(capture)), p.State().Position)
}

func TestIgnoreNonData(t *testing.T) {
	d := sbe37.New("")
	assert.True(t, d.IgnoreNonData([]byte("\r\nS>\r\n  ")))
	assert.False(t, d.IgnoreNonData([]byte("S>ts\r\n")))
}

func TestSingleDigitDay(t *testing.T) {
	lines := "#  18.6784,  3.82543,   21.356, 1 Oct 2013 14:02:25\r\n" +
		"#  18.6785,  3.82544,   21.357, 01 Oct 2013 14:02:26\r\n"
	var reported []error
	p, err := parser.New(strings.NewReader(lines), sbe37.New(""), nil,
		parser.WithExceptionCallback(func(err error) { reported = append(reported, err) }))
	require.NoError(t, err)

	records, err := p.GetRecords(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, reported)
	require.Len(t, records, 2)
	want := time.Date(2013, 10, 1, 14, 2, 25, 0, time.UTC)
	assert.Equal(t, ntp.FromTime(want), *records[0].InternalTimestamp())
	assert.Equal(t, ntp.FromTime(want.Add(time.Second)), *records[1].InternalTimestamp())
}
