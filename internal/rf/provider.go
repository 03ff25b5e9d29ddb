// Package rf supplies the channel-power readings carried in each survey
// sample.
package rf

import "github.com/shaunagostinho/rfsurvey/internal/sample"

// Reading holds one power measurement per surveyed channel, in dBm.
type Reading [sample.Channels]float32

// Provider is the interface that all power-meter backends implement.
type Provider interface {
	// Name returns the human-readable name of this provider.
	Name() string
	// Read performs one measurement of every channel.
	Read() (Reading, error)
}
