// Package sample defines the RF survey measurement record and its fixed
// 64-byte wire layout.
//
// Layout (little-endian):
//
//	Version(1) | Timestamp f64(8) | Lat i32(4) | Lon i32(4) | Heading i32(4) |
//	Pitch f32(4) | Roll f32(4) | Altitude f32(4) | HDOP f32(4) | VDOP f32(4) |
//	Satellites u8(1) | Power[0..4] f32(5x4) | zero padding
//
// Bump FormatVersion whenever a field is added, removed or reordered.
package sample

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// FormatVersion identifies the field layout packed into the payload.
	FormatVersion = 7

	// Size is the exact encoded length of a record.
	Size = 64

	// Channels is the number of channel-power readings per record.
	Channels = 5

	// payloadLen counts the bytes actually carrying data.
	payloadLen = 1 + 8 + 4*3 + 4*5 + 1 + 4*Channels
)

// Compile-time guard: the fields must fit inside the fixed frame.
const _ = uint8(Size - payloadLen)

var (
	ErrWrongLength     = errors.New("sample: wrong payload length")
	ErrVersionMismatch = errors.New("sample: format version mismatch")
)

// LengthError reports a payload whose length is not Size.
type LengthError struct {
	Got int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("sample: payload is %d bytes, want %d", e.Got, Size)
}

func (e *LengthError) Is(target error) bool { return target == ErrWrongLength }

// VersionError reports a payload packed with a different field layout.
type VersionError struct {
	Got  uint8
	Want uint8
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("sample: format version %d, want %d", e.Got, e.Want)
}

func (e *VersionError) Is(target error) bool { return target == ErrVersionMismatch }

// Record is one measurement snapshot. Records are values and are never
// mutated after construction.
type Record struct {
	Timestamp  float64           `json:"timestamp"`  // seconds since epoch
	Lat        int32             `json:"lat"`        // degrees * 1e7
	Lon        int32             `json:"lon"`        // degrees * 1e7
	Heading    int32             `json:"heading"`    // centidegrees
	Pitch      float32           `json:"pitch"`      // degrees
	Roll       float32           `json:"roll"`       // degrees
	Altitude   float32           `json:"altitude"`   // centimeters
	HDOP       float32           `json:"hdop"`
	VDOP       float32           `json:"vdop"`
	Satellites uint8             `json:"satellites"`
	Power      [Channels]float32 `json:"power"` // dBm
}

// LatDegrees returns latitude in decimal degrees.
func (r Record) LatDegrees() float64 { return float64(r.Lat) / 1e7 }

// LonDegrees returns longitude in decimal degrees.
func (r Record) LonDegrees() float64 { return float64(r.Lon) / 1e7 }

// HeadingDegrees returns heading in degrees.
func (r Record) HeadingDegrees() float64 { return float64(r.Heading) / 100 }

// AltitudeMeters returns altitude in meters.
func (r Record) AltitudeMeters() float64 { return float64(r.Altitude) / 100 }

// Time converts the timestamp to a time.Time in the local zone.
func (r Record) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Encode packs r into its 64-byte wire form. Unused tail bytes are zero.
func Encode(r Record) [Size]byte {
	var b [Size]byte
	b[0] = FormatVersion
	le := binary.LittleEndian
	le.PutUint64(b[1:9], math.Float64bits(r.Timestamp))
	le.PutUint32(b[9:13], uint32(r.Lat))
	le.PutUint32(b[13:17], uint32(r.Lon))
	le.PutUint32(b[17:21], uint32(r.Heading))
	le.PutUint32(b[21:25], math.Float32bits(r.Pitch))
	le.PutUint32(b[25:29], math.Float32bits(r.Roll))
	le.PutUint32(b[29:33], math.Float32bits(r.Altitude))
	le.PutUint32(b[33:37], math.Float32bits(r.HDOP))
	le.PutUint32(b[37:41], math.Float32bits(r.VDOP))
	b[41] = r.Satellites
	off := 42
	for _, p := range r.Power {
		le.PutUint32(b[off:off+4], math.Float32bits(p))
		off += 4
	}
	return b
}

// Decode unpacks a 64-byte payload. The version byte is checked before any
// other field is read.
func Decode(b []byte) (Record, error) {
	if len(b) != Size {
		return Record{}, &LengthError{Got: len(b)}
	}
	if b[0] != FormatVersion {
		return Record{}, &VersionError{Got: b[0], Want: FormatVersion}
	}

	le := binary.LittleEndian
	r := Record{
		Timestamp:  math.Float64frombits(le.Uint64(b[1:9])),
		Lat:        int32(le.Uint32(b[9:13])),
		Lon:        int32(le.Uint32(b[13:17])),
		Heading:    int32(le.Uint32(b[17:21])),
		Pitch:      math.Float32frombits(le.Uint32(b[21:25])),
		Roll:       math.Float32frombits(le.Uint32(b[25:29])),
		Altitude:   math.Float32frombits(le.Uint32(b[29:33])),
		HDOP:       math.Float32frombits(le.Uint32(b[33:37])),
		VDOP:       math.Float32frombits(le.Uint32(b[37:41])),
		Satellites: b[41],
	}
	off := 42
	for i := range r.Power {
		r.Power[i] = math.Float32frombits(le.Uint32(b[off : off+4]))
		off += 4
	}
	return r, nil
}
