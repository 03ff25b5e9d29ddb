package survey

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Settings are the operator-tunable pipeline options.
type Settings struct {
	Verbose bool `yaml:"verbose" json:"verbose"`
	CSV     bool `yaml:"csv" json:"csv"`
}

func DefaultSettings() Settings {
	return Settings{Verbose: false, CSV: true}
}

func (s Settings) String() string {
	return fmt.Sprintf("verbose=%t csv=%t", s.Verbose, s.CSV)
}

type settingsStore struct {
	mu sync.RWMutex
	s  Settings
}

func (st *settingsStore) get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

func (st *settingsStore) set(s Settings) {
	st.mu.Lock()
	st.s = s
	st.mu.Unlock()
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings { return c.settings.get() }

// Set changes one setting by name. The csv setting takes effect when the
// next session starts.
func (c *Controller) Set(key, value string) error {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("bad value %q for %s", value, key)
	}

	c.settings.mu.Lock()
	defer c.settings.mu.Unlock()
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "verbose":
		c.settings.s.Verbose = b
	case "csv":
		c.settings.s.CSV = b
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}
