package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sort"
	"time"

	"seasieve/pkg/config"
	"seasieve/pkg/drivers/ctdwfp"
	"seasieve/pkg/drivers/ratframe"
	"seasieve/pkg/drivers/sbe37"
	"seasieve/pkg/ntp"
	"seasieve/pkg/protocol"
)

const (
	mockTempFreqHz  = 0.05
	mockCondFreqHz  = 0.07
	mockPresFreqHz  = 0.02
	mockCondPhase   = math.Pi / 3.0
	mockPresPhase   = 2.0 * math.Pi / 3.0
	mockProfileSize = 20
	mockTextEvery   = 10
)

// mockInstrument produces the byte stream an instrument behind a port agent
// would send for the configured driver.
type mockInstrument struct {
	driver string
	tables map[uint8]*protocol.FieldTable
	ids    []uint8
	textID uint8
	start  time.Time
	seq    int64

	profileStart time.Time
}

func newMockInstrument(cfg config.Config, start time.Time) (*mockInstrument, error) {
	m := &mockInstrument{
		driver:       cfg.Parser.Driver,
		textID:       uint8(cfg.Parser.TextID),
		start:        start,
		profileStart: start,
	}
	switch m.driver {
	case sbe37.Name, ctdwfp.Name:
	case ratframe.Name:
		tables, err := cfg.FieldTables()
		if err != nil {
			return nil, err
		}
		m.tables = tables
		for id := range tables {
			m.ids = append(m.ids, id)
		}
		sort.Slice(m.ids, func(i, j int) bool { return m.ids[i] < m.ids[j] })
	default:
		return nil, fmt.Errorf("no mock for driver %q", m.driver)
	}
	return m, nil
}

func mockWave(t, amplitude, freqHz, phase float64) float64 {
	return amplitude * math.Sin(2.0*math.Pi*freqHz*t+phase)
}

// next returns the bytes emitted at ts.
func (m *mockInstrument) next(ts time.Time) []byte {
	defer func() { m.seq++ }()
	t := ts.Sub(m.start).Seconds()
	temp := 12.0 + mockWave(t, 2.0, mockTempFreqHz, 0)
	cond := 3.8 + mockWave(t, 0.2, mockCondFreqHz, mockCondPhase)
	pres := 50.0 + mockWave(t, 45.0, mockPresFreqHz, mockPresPhase)

	switch m.driver {
	case sbe37.Name:
		return []byte(fmt.Sprintf("#%9.4f,%9.5f,%9.3f, %s\r\n",
			temp, cond, pres, ts.UTC().Format(sbe37.DateLayout)))
	case ctdwfp.Name:
		return m.ctdRecord(ts, temp, cond, pres)
	default:
		return m.frame(t)
	}
}

func (m *mockInstrument) ctdRecord(ts time.Time, temp, cond, pres float64) []byte {
	if m.seq > 0 && m.seq%(mockProfileSize+1) == mockProfileSize {
		rec := bytes.Repeat([]byte{0xFF}, ctdwfp.SampleLen)
		rec = binary.BigEndian.AppendUint32(rec, uint32(m.profileStart.Unix()))
		rec = binary.BigEndian.AppendUint32(rec, uint32(ts.Unix()))
		m.profileStart = ts
		return rec
	}
	rec := make([]byte, ctdwfp.SampleLen)
	putUint24(rec[0:3], uint32(cond*10000))
	putUint24(rec[3:6], uint32((temp+5)*10000))
	putUint24(rec[6:9], uint32(pres*100))
	binary.BigEndian.PutUint16(rec[9:11], uint16(m.seq))
	return rec
}

func (m *mockInstrument) frame(t float64) []byte {
	var raw []byte
	if len(m.ids) == 0 || m.seq%mockTextEvery == 0 {
		raw = append([]byte{m.textID}, fmt.Sprintf("mock seq %d", m.seq)...)
	} else {
		id := m.ids[int(m.seq)%len(m.ids)]
		table := m.tables[id]
		payload := make([]byte, table.ByteSize)
		for i, f := range table.Fields {
			v := mockWave(t, 100, 0.1*float64(i+1), float64(i))
			putField(payload[f.Offset:f.Offset+f.Size], table.Order, f.CType, v)
		}
		raw = append([]byte{id}, payload...)
	}
	raw = append(raw, protocol.XorChecksum(raw))
	return append(protocol.CobsEncode(raw), 0x00)
}

func putUint24(dst []byte, v uint32) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}

func putField(dst []byte, order binary.ByteOrder, ctype string, v float64) {
	switch ctype {
	case "float":
		order.PutUint32(dst, math.Float32bits(float32(v)))
	case "double":
		order.PutUint64(dst, math.Float64bits(v))
	case "int8_t", "uint8_t":
		dst[0] = byte(int8(v))
	case "bool", "_bool":
		if v > 0 {
			dst[0] = 1
		}
	case "int16_t", "uint16_t":
		order.PutUint16(dst, uint16(int16(v)))
	case "uint24_t":
		u := uint32(math.Abs(v))
		if order == binary.BigEndian {
			putUint24(dst, u)
		} else {
			dst[0], dst[1], dst[2] = byte(u), byte(u>>8), byte(u>>16)
		}
	case "int32_t", "uint32_t":
		order.PutUint32(dst, uint32(int32(v)))
	case "int64_t", "uint64_t":
		order.PutUint64(dst, uint64(int64(v)))
	case "ntp64_t":
		order.PutUint64(dst, ntp.Pack(ntp.Now()))
	}
}

// runMockInstrument serves mock output to every port agent connection on ln.
func runMockInstrument(ctx context.Context, ln net.Listener, m *mockInstrument, hz int, log *slog.Logger) {
	if hz <= 0 {
		hz = 2
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	records := make(chan []byte)
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(hz))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ts := <-ticker.C:
				select {
				case records <- m.next(ts):
				default:
				}
			}
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("mock instrument accept failed", "error", err)
			}
			return
		}
		log.Info("mock instrument connected", "remote", conn.RemoteAddr().String())
		go func() {
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-records:
					if _, err := conn.Write(rec); err != nil {
						return
					}
				}
			}
		}()
	}
}
