package fix

import (
	"math"
	"time"

	"github.com/phuslu/log"
)

const (
	SourceSatellite string = "gps"
	SourceNetwork   string = "network"
	SourceFused     string = "fused"
)

const earthRadius = 6371008.8

// Fix is one position sample reported by a backend. It is passed by value and
// never modified after the backend produced it.
type Fix struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Accuracy    float64   `json:"accuracy"`
	Time        time.Time `json:"time"`
	Source      string    `json:"source"`
	Altitude    float64   `json:"altitude,omitempty"`
	HasAltitude bool      `json:"has_altitude"`
	Speed       float64   `json:"speed,omitempty"`
	HasSpeed    bool      `json:"has_speed"`
}

func (f Fix) WithAltitude(alt float64) Fix {
	f.Altitude = alt
	f.HasAltitude = true
	return f
}

func (f Fix) WithSpeed(speed float64) Fix {
	f.Speed = speed
	f.HasSpeed = true
	return f
}

func (f Fix) MarshalObject(e *log.Entry) {
	e.Str("source", f.Source).Float64("lat", f.Latitude).Float64("lon", f.Longitude).Float64("accuracy", f.Accuracy).Time("fix_time", f.Time)
}

// Distance returns the great-circle distance in meters between two fixes.
func Distance(a, b Fix) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dlat := lat2 - lat1
	dlon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}
