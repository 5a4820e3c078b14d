package relay

import (
	"time"

	"nuha.dev/bestfix/internal/fix"
)

type LoginMessage struct {
	SnType     string `json:"sn_type"`
	Serial     string `json:"serial"`
	DeviceType string `json:"device_type"`
}

type LocationMessage struct {
	GpsTime     time.Time `json:"gps_time"`
	MachineTime time.Time `json:"machine_time"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Altitude    float32   `json:"altitude"`
	Accuracy    float32   `json:"accuracy"`
	Fix         bool      `json:"fix"`
	FixMode     string    `json:"fix_mode"`
	Speed       float32   `json:"speed"`
}

func locationMessage(f fix.Fix, machineTime time.Time) LocationMessage {
	return LocationMessage{
		GpsTime:     f.Time,
		MachineTime: machineTime,
		Latitude:    f.Latitude,
		Longitude:   f.Longitude,
		Altitude:    float32(f.Altitude),
		Accuracy:    float32(f.Accuracy),
		Fix:         true,
		FixMode:     f.Source,
		Speed:       float32(f.Speed),
	}
}
