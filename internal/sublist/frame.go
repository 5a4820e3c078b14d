package sublist

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"nuha.dev/bestfix/internal/fix"
)

const (
	FRAME_LOCATION byte = 0x00
	FRAME_EVENT    byte = 0x01
)

const locationFrameLen = 47

const (
	flagAltitude byte = 1 << iota
	flagSpeed
)

var sources = []string{fix.SourceSatellite, fix.SourceNetwork, fix.SourceFused}

func sourceCode(s string) byte {
	for i, v := range sources {
		if v == s {
			return byte(i)
		}
	}
	return 0xff
}

func encodeLocation(f fix.Fix, serverTime time.Time) []byte {
	buf := make([]byte, locationFrameLen)
	buf[0] = FRAME_LOCATION
	binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(f.Latitude))
	binary.LittleEndian.PutUint64(buf[9:], math.Float64bits(f.Longitude))
	binary.LittleEndian.PutUint32(buf[17:], math.Float32bits(float32(f.Accuracy)))
	binary.LittleEndian.PutUint32(buf[21:], math.Float32bits(float32(f.Speed)))
	binary.LittleEndian.PutUint32(buf[25:], math.Float32bits(float32(f.Altitude)))
	var flags byte
	if f.HasAltitude {
		flags |= flagAltitude
	}
	if f.HasSpeed {
		flags |= flagSpeed
	}
	buf[29] = flags
	buf[30] = sourceCode(f.Source)
	binary.LittleEndian.PutUint64(buf[31:], uint64(f.Time.UnixMilli()))
	binary.LittleEndian.PutUint64(buf[39:], uint64(serverTime.UnixMilli()))
	return buf
}

// DecodeLocation reads a location frame back. ok is false for any other
// frame.
func DecodeLocation(buf []byte) (f fix.Fix, serverTime time.Time, ok bool) {
	if len(buf) != locationFrameLen || buf[0] != FRAME_LOCATION {
		return f, serverTime, false
	}
	f.Latitude = math.Float64frombits(binary.LittleEndian.Uint64(buf[1:]))
	f.Longitude = math.Float64frombits(binary.LittleEndian.Uint64(buf[9:]))
	f.Accuracy = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[17:])))
	if buf[29]&flagSpeed != 0 {
		f = f.WithSpeed(float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[21:]))))
	}
	if buf[29]&flagAltitude != 0 {
		f = f.WithAltitude(float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[25:]))))
	}
	if int(buf[30]) < len(sources) {
		f.Source = sources[buf[30]]
	}
	f.Time = time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[31:]))).UTC()
	serverTime = time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[39:]))).UTC()
	return f, serverTime, true
}

// Event is the payload of an event frame.
type Event struct {
	Topic    string `json:"topic"`
	Kind     string `json:"kind,omitempty"`
	Provider string `json:"provider,omitempty"`
	Time     int64  `json:"time"`
}

func encodeEvent(e Event) []byte {
	buf := []byte{FRAME_EVENT}
	b, _ := json.Marshal(e)
	return append(buf, b...)
}

func DecodeEvent(buf []byte) (e Event, ok bool) {
	if len(buf) < 2 || buf[0] != FRAME_EVENT {
		return e, false
	}
	if err := json.Unmarshal(buf[1:], &e); err != nil {
		return e, false
	}
	return e, true
}
