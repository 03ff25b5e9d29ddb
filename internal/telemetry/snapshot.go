// Package telemetry tracks the last-known vehicle state from three
// independent upstream feeds and decides whether it is fresh enough to
// sample.
package telemetry

import (
	"sync"
	"time"

	"github.com/shaunagostinho/rfsurvey/internal/timeutil"
)

// Feed names one upstream telemetry source.
type Feed string

const (
	FeedPosition   Feed = "position"
	FeedGPSQuality Feed = "gps"
	FeedAttitude   Feed = "attitude"
)

// DefaultMaxAge is the staleness threshold applied to every feed unless
// configured otherwise.
const DefaultMaxAge = time.Second

// Position is the filtered global position.
type Position struct {
	Lat      int32 // degrees * 1e7
	Lon      int32 // degrees * 1e7
	Heading  int32 // centidegrees
	Altitude int32 // centimeters
}

// GPSQuality describes the current fix quality.
type GPSQuality struct {
	HDOP       float32
	VDOP       float32
	Satellites uint8
}

// Attitude is the vehicle attitude in degrees.
type Attitude struct {
	Pitch float32
	Roll  float32
}

// Thresholds holds the per-feed staleness limits.
type Thresholds struct {
	Position   time.Duration `yaml:"position" json:"position"`
	GPSQuality time.Duration `yaml:"gps" json:"gps"`
	Attitude   time.Duration `yaml:"attitude" json:"attitude"`
}

// DefaultThresholds returns a one-second limit for each feed.
func DefaultThresholds() Thresholds {
	return Thresholds{Position: DefaultMaxAge, GPSQuality: DefaultMaxAge, Attitude: DefaultMaxAge}
}

// Snapshot holds the latest value and update time of each feed. Updates come
// from feed goroutines; the sampler reads.
type Snapshot struct {
	mu     sync.RWMutex
	clock  timeutil.Clock
	limits Thresholds

	position   Position
	quality    GPSQuality
	attitude   Attitude
	positionAt time.Time
	qualityAt  time.Time
	attitudeAt time.Time
}

// NewSnapshot creates an empty snapshot. Zero thresholds fall back to
// DefaultMaxAge.
func NewSnapshot(clock timeutil.Clock, limits Thresholds) *Snapshot {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if limits.Position <= 0 {
		limits.Position = DefaultMaxAge
	}
	if limits.GPSQuality <= 0 {
		limits.GPSQuality = DefaultMaxAge
	}
	if limits.Attitude <= 0 {
		limits.Attitude = DefaultMaxAge
	}
	return &Snapshot{clock: clock, limits: limits}
}

func (s *Snapshot) UpdatePosition(p Position) {
	now := s.clock.Now()
	s.mu.Lock()
	s.position, s.positionAt = p, now
	s.mu.Unlock()
}

func (s *Snapshot) UpdateGPSQuality(q GPSQuality) {
	now := s.clock.Now()
	s.mu.Lock()
	s.quality, s.qualityAt = q, now
	s.mu.Unlock()
}

func (s *Snapshot) UpdateAttitude(a Attitude) {
	now := s.clock.Now()
	s.mu.Lock()
	s.attitude, s.attitudeAt = a, now
	s.mu.Unlock()
}

// Read returns a consistent copy of all three feeds.
func (s *Snapshot) Read() (Position, GPSQuality, Attitude) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position, s.quality, s.attitude
}

// Fresh reports whether every feed has been updated within its threshold of
// now. A feed that never reported is stale.
func (s *Snapshot) Fresh(now time.Time) bool {
	return len(s.StaleFeeds(now)) == 0
}

// StaleFeeds lists the feeds failing the freshness check at now.
func (s *Snapshot) StaleFeeds(now time.Time) []Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []Feed
	if !fresh(s.positionAt, now, s.limits.Position) {
		stale = append(stale, FeedPosition)
	}
	if !fresh(s.qualityAt, now, s.limits.GPSQuality) {
		stale = append(stale, FeedGPSQuality)
	}
	if !fresh(s.attitudeAt, now, s.limits.Attitude) {
		stale = append(stale, FeedAttitude)
	}
	return stale
}

func fresh(at, now time.Time, maxAge time.Duration) bool {
	if at.IsZero() {
		return false
	}
	return now.Sub(at) <= maxAge
}
