package telemetry

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/shaunagostinho/rfsurvey/internal/gps"
)

const unknownHeading = math.MaxUint16

// HandleMessage applies vehicle-state messages arriving on the link. Other
// message types are ignored.
func (s *Snapshot) HandleMessage(m message.Message) {
	switch m := m.(type) {
	case *ardupilotmega.MessageGlobalPositionInt:
		p := Position{
			Lat:      m.Lat,
			Lon:      m.Lon,
			Altitude: m.Alt / 10, // mm to cm
		}
		if m.Hdg == unknownHeading {
			prev, _, _ := s.Read()
			p.Heading = prev.Heading
		} else {
			p.Heading = int32(m.Hdg)
		}
		s.UpdatePosition(p)
	case *ardupilotmega.MessageGpsRawInt:
		s.UpdateGPSQuality(GPSQuality{
			HDOP:       float32(m.Eph) / 100,
			VDOP:       float32(m.Epv) / 100,
			Satellites: m.SatellitesVisible,
		})
	case *ardupilotmega.MessageAttitude:
		s.UpdateAttitude(Attitude{
			Pitch: float32(m.Pitch * 180 / math.Pi),
			Roll:  float32(m.Roll * 180 / math.Pi),
		})
	}
}

// ApplyGPS feeds a GPS fix into the position and GPS-quality feeds. Invalid
// fixes are ignored so the feeds go stale.
func (s *Snapshot) ApplyGPS(fix *gps.Data) {
	if fix == nil || !fix.Valid {
		return
	}
	s.UpdatePosition(Position{
		Lat:      int32(math.Round(fix.Latitude * 1e7)),
		Lon:      int32(math.Round(fix.Longitude * 1e7)),
		Heading:  int32(math.Round(fix.Heading * 100)),
		Altitude: int32(math.Round(fix.Altitude * 100)),
	})
	s.UpdateGPSQuality(GPSQuality{
		HDOP:       float32(fix.HDOP),
		VDOP:       float32(fix.VDOP),
		Satellites: uint8(min(fix.Satellites, math.MaxUint8)),
	})
}

// PollGPS reads prov every interval until ctx is cancelled.
func PollGPS(ctx context.Context, s *Snapshot, prov gps.Provider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fix, err := prov.Read()
			if err != nil {
				if !errors.Is(err, gps.ErrNoFix) {
					log.Printf("[telemetry] %s read failed: %v", prov.Name(), err)
				}
				continue
			}
			s.ApplyGPS(fix)
		}
	}
}

// AttitudeSource supplies attitude readings outside the link, e.g. a
// simulator.
type AttitudeSource interface {
	ReadAttitude() (Attitude, error)
}

// PollAttitude reads src every interval until ctx is cancelled.
func PollAttitude(ctx context.Context, s *Snapshot, src AttitudeSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a, err := src.ReadAttitude()
			if err != nil {
				log.Printf("[telemetry] attitude read failed: %v", err)
				continue
			}
			s.UpdateAttitude(a)
		}
	}
}

// DemoAttitude simulates gentle pitch and roll oscillation.
type DemoAttitude struct {
	mu sync.Mutex
	t  float64
}

func (d *DemoAttitude) ReadAttitude() (Attitude, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1
	return Attitude{
		Pitch: float32(-4 + 2*math.Sin(d.t*0.7) + rand.Float64()*0.2),
		Roll:  float32(3*math.Sin(d.t*0.4) + rand.Float64()*0.2),
	}, nil
}
