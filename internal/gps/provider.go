package gps

import "errors"

// ErrNoFix is returned by Read when no position sentence arrived since the
// previous call.
var ErrNoFix = errors.New("gps: no new fix")

// Provider is the interface for GPS data sources feeding the survey's
// position and GPS-quality telemetry.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest GPS fix. May block briefly.
	Read() (*Data, error)
}

// Data holds a single GPS fix.
type Data struct {
	Valid      bool    `json:"valid"`      // Fix is valid
	Latitude   float64 `json:"latitude"`   // Decimal degrees
	Longitude  float64 `json:"longitude"`  // Decimal degrees
	Speed      float64 `json:"speed"`      // km/h
	Heading    float64 `json:"heading"`    // Degrees true
	Altitude   float64 `json:"altitude"`   // Meters MSL
	Satellites int     `json:"satellites"` // Sats in use
	FixQuality int     `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	HDOP       float64 `json:"hdop"`       // Horizontal dilution
	VDOP       float64 `json:"vdop"`       // Vertical dilution
	Timestamp  string  `json:"timestamp"`  // UTC time string
}
