// Package csvlog writes survey samples to human-readable CSV files, one file
// per pipeline session.
package csvlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/rfsurvey/internal/sample"
)

// Config holds sink configuration.
type Config struct {
	Path     string   `yaml:"path" json:"path"`
	Channels []string `yaml:"channels" json:"channels"` // column labels, MHz
}

// DefaultChannels labels the five power readings with their centre
// frequencies.
var DefaultChannels = []string{"578.5", "585.5", "592.5", "599.5", "606.5"}

const powerMarker = "CH_Power(dBm)"

// Sink appends samples to the current CSV file. The zero state is closed;
// Open starts a new file and Close ends it.
type Sink struct {
	mu       sync.Mutex
	dir      string
	channels []string

	file   *os.File
	writer *csv.Writer
	path   string
	rows   int
}

// New creates a closed Sink.
func New(cfg Config) *Sink {
	if cfg.Path == "" {
		cfg.Path = "."
	}
	channels := cfg.Channels
	if len(channels) != sample.Channels {
		channels = DefaultChannels
	}
	return &Sink{
		dir:      cfg.Path,
		channels: channels,
	}
}

// Header returns the header row written at the top of every file.
func (s *Sink) Header() []string {
	h := []string{"Time", "Lat", "Long", "NoseHDG", "Pitch", "Roll", "Alt", "GPSHt", "HDOP", "VDOP", "Satellites", "Freq(MHz)"}
	return append(h, s.channels...)
}

// Open starts a new file named after now. An already open file is closed
// first. A session started within the same second as an earlier one gets a
// -1, -2, ... suffix rather than sharing its file.
func (s *Sink) Open(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFile()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.dir, err)
	}

	f, path, err := createUnique(s.dir, "rfsurvey-"+now.Format("20060102150405"))
	if err != nil {
		return err
	}

	s.file = f
	s.writer = csv.NewWriter(f)
	s.path = path
	s.rows = 0

	if err := s.writer.Write(s.Header()); err != nil {
		s.closeFile()
		return err
	}
	s.writer.Flush()

	log.Printf("[csv] opened %s", path)
	return nil
}

// maxSuffix bounds the search for a free file name.
const maxSuffix = 1000

func createUnique(dir, base string) (*os.File, string, error) {
	for i := 0; i < maxSuffix; i++ {
		name := base + ".csv"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.csv", base, i)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("create %s: no free name after %d attempts", filepath.Join(dir, base), maxSuffix)
}

// Append writes one row for r. It is a no-op while the sink is closed.
func (s *Sink) Append(r sample.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return nil
	}
	if err := s.writer.Write(Row(r)); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("csv flush: %w", err)
	}
	s.rows++
	return nil
}

// Close flushes and closes the current file. Closing a closed sink is a
// no-op.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFile()
}

// Path returns the file currently open, or "".
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Rows returns the number of data rows written to the current file.
func (s *Sink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

func (s *Sink) closeFile() {
	if s.writer != nil {
		s.writer.Flush()
		s.writer = nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
		log.Printf("[csv] closed %s (%d rows)", s.path, s.rows)
	}
	s.path = ""
}

// Row converts r to display units: degrees, meters, wall-clock time.
func Row(r sample.Record) []string {
	row := make([]string, 0, 11+sample.Channels)
	row = append(row,
		formatTime(r.Time()),
		fmt.Sprintf("%f", r.LatDegrees()),
		fmt.Sprintf("%f", r.LonDegrees()),
		fmt.Sprintf("%f", r.HeadingDegrees()),
		fmt.Sprintf("%f", r.Pitch),
		fmt.Sprintf("%f", r.Roll),
		fmt.Sprintf("%f", r.AltitudeMeters()),
		fmt.Sprintf("%f", r.HDOP),
		fmt.Sprintf("%f", r.VDOP),
		strconv.Itoa(int(r.Satellites)),
		powerMarker,
	)
	for _, p := range r.Power {
		row = append(row, fmt.Sprintf("%f", p))
	}
	return row
}

func formatTime(t time.Time) string {
	return t.Format("15:04:05.000")
}
