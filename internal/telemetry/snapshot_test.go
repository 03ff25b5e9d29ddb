package telemetry

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/rfsurvey/internal/gps"
	"github.com/shaunagostinho/rfsurvey/internal/timeutil"
)

var t0 = time.Date(2016, 10, 13, 10, 16, 7, 0, time.UTC)

func updateAll(s *Snapshot) {
	s.UpdatePosition(Position{Lat: 1, Lon: 2, Heading: 3, Altitude: 4})
	s.UpdateGPSQuality(GPSQuality{HDOP: 0.7, VDOP: 1.1, Satellites: 12})
	s.UpdateAttitude(Attitude{Pitch: 1.5, Roll: -2})
}

func TestFreshNeverUpdated(t *testing.T) {
	s := NewSnapshot(timeutil.NewMockClock(t0), Thresholds{})
	assert.False(t, s.Fresh(t0))
	assert.ElementsMatch(t, []Feed{FeedPosition, FeedGPSQuality, FeedAttitude}, s.StaleFeeds(t0))
}

func TestFreshAllWithinThreshold(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s := NewSnapshot(clock, DefaultThresholds())
	updateAll(s)

	assert.True(t, s.Fresh(t0))
	assert.True(t, s.Fresh(t0.Add(time.Second)), "threshold is inclusive")
	assert.False(t, s.Fresh(t0.Add(time.Second+time.Millisecond)))
}

func TestFreshAnySingleFeedStale(t *testing.T) {
	feeds := []struct {
		feed    Feed
		refresh func(*Snapshot)
	}{
		{FeedPosition, func(s *Snapshot) {
			s.UpdateGPSQuality(GPSQuality{})
			s.UpdateAttitude(Attitude{})
		}},
		{FeedGPSQuality, func(s *Snapshot) {
			s.UpdatePosition(Position{})
			s.UpdateAttitude(Attitude{})
		}},
		{FeedAttitude, func(s *Snapshot) {
			s.UpdatePosition(Position{})
			s.UpdateGPSQuality(GPSQuality{})
		}},
	}

	for _, tt := range feeds {
		t.Run(string(tt.feed), func(t *testing.T) {
			clock := timeutil.NewMockClock(t0)
			s := NewSnapshot(clock, DefaultThresholds())
			updateAll(s)

			clock.Advance(2 * time.Second)
			tt.refresh(s)

			now := clock.Now()
			assert.False(t, s.Fresh(now))
			assert.Equal(t, []Feed{tt.feed}, s.StaleFeeds(now))
		})
	}
}

func TestIndependentThresholds(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	s := NewSnapshot(clock, Thresholds{Position: 5 * time.Second, GPSQuality: time.Second, Attitude: 500 * time.Millisecond})
	updateAll(s)

	assert.Equal(t, []Feed{FeedAttitude}, s.StaleFeeds(t0.Add(800*time.Millisecond)))
	assert.Equal(t, []Feed{FeedGPSQuality, FeedAttitude}, s.StaleFeeds(t0.Add(2*time.Second)))
	assert.Len(t, s.StaleFeeds(t0.Add(6*time.Second)), 3)
}

func TestFreshDoesNotMutate(t *testing.T) {
	s := NewSnapshot(timeutil.NewMockClock(t0), DefaultThresholds())
	updateAll(s)
	before, q, a := s.Read()
	s.Fresh(t0.Add(time.Hour))
	after, q2, a2 := s.Read()
	assert.Equal(t, before, after)
	assert.Equal(t, q, q2)
	assert.Equal(t, a, a2)
}

func TestHandleMessage(t *testing.T) {
	s := NewSnapshot(timeutil.NewMockClock(t0), DefaultThresholds())

	s.HandleMessage(&ardupilotmega.MessageGlobalPositionInt{Lat: -333424090, Lon: 1489832910, Alt: 1383530, Hdg: 1000})
	s.HandleMessage(&ardupilotmega.MessageGpsRawInt{Eph: 66, Epv: 65535, SatellitesVisible: 19})
	s.HandleMessage(&ardupilotmega.MessageAttitude{Pitch: float32(-4.05008 * math.Pi / 180), Roll: float32(0.182496 * math.Pi / 180)})
	s.HandleMessage(&ardupilotmega.MessageStatustext{Text: "ignored"})

	pos, q, att := s.Read()
	assert.Equal(t, Position{Lat: -333424090, Lon: 1489832910, Heading: 1000, Altitude: 138353}, pos)
	assert.InDelta(t, 0.66, q.HDOP, 1e-6)
	assert.InDelta(t, 655.35, q.VDOP, 1e-3)
	assert.Equal(t, uint8(19), q.Satellites)
	assert.InDelta(t, -4.05008, att.Pitch, 1e-4)
	assert.InDelta(t, 0.182496, att.Roll, 1e-4)
	assert.True(t, s.Fresh(t0))

	// Unknown heading keeps the last known value.
	s.HandleMessage(&ardupilotmega.MessageGlobalPositionInt{Lat: 5, Hdg: math.MaxUint16})
	pos, _, _ = s.Read()
	assert.Equal(t, int32(1000), pos.Heading)
	assert.Equal(t, int32(5), pos.Lat)
}

func TestApplyGPS(t *testing.T) {
	s := NewSnapshot(timeutil.NewMockClock(t0), DefaultThresholds())

	s.ApplyGPS(&gps.Data{Valid: false, Latitude: 1})
	assert.Equal(t, []Feed{FeedPosition, FeedGPSQuality, FeedAttitude}, s.StaleFeeds(t0))

	s.ApplyGPS(&gps.Data{Valid: true, Latitude: -33.342409, Longitude: 148.983291, Heading: 10, Altitude: 1383.53, Satellites: 300, HDOP: 0.66, VDOP: 0.9})
	pos, q, _ := s.Read()
	assert.Equal(t, int32(-333424090), pos.Lat)
	assert.Equal(t, int32(1489832910), pos.Lon)
	assert.Equal(t, int32(1000), pos.Heading)
	assert.Equal(t, int32(138353), pos.Altitude)
	assert.Equal(t, uint8(255), q.Satellites)
	assert.Equal(t, []Feed{FeedAttitude}, s.StaleFeeds(t0))
}

type countingGPS struct {
	mu    sync.Mutex
	reads int
}

func (c *countingGPS) Name() string   { return "counting" }
func (c *countingGPS) Connect() error { return nil }
func (c *countingGPS) Close() error   { return nil }
func (c *countingGPS) Read() (*gps.Data, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.reads == 1 {
		return nil, gps.ErrNoFix
	}
	return &gps.Data{Valid: true, Latitude: 1, Satellites: 7}, nil
}

func TestPollGPSAndAttitude(t *testing.T) {
	s := NewSnapshot(nil, Thresholds{Position: time.Hour, GPSQuality: time.Hour, Attitude: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go PollGPS(ctx, s, &countingGPS{}, 5*time.Millisecond)
	go PollAttitude(ctx, s, &DemoAttitude{}, 5*time.Millisecond)

	require.Eventually(t, func() bool { return s.Fresh(time.Now()) }, 2*time.Second, 5*time.Millisecond)
	_, q, _ := s.Read()
	assert.Equal(t, uint8(7), q.Satellites)
}
