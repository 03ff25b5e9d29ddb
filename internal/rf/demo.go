package rf

import (
	"math"
	"math/rand"
	"sync"
)

// DemoProvider generates simulated channel power for development and
// testing: a noise floor around -55 dBm with slow fading per channel.
type DemoProvider struct {
	mu    sync.Mutex
	t     float64 // virtual time accumulator
	floor float64
	rng   *rand.Rand
}

func NewDemoProvider(seed int64) *DemoProvider {
	return &DemoProvider{floor: -55, rng: rand.New(rand.NewSource(seed))}
}

func (d *DemoProvider) Name() string { return "Demo (Simulated)" }

func (d *DemoProvider) Read() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.t += 0.1

	var r Reading
	for i := range r {
		fade := 1.5 * math.Sin(d.t*0.2+float64(i))
		noise := d.rng.Float64() - 0.5
		r[i] = float32(d.floor + fade + noise)
	}
	return r, nil
}

// Fixed always returns the same reading. Useful where the sampled values
// must be predictable.
type Fixed Reading

func (Fixed) Name() string { return "Fixed" }

func (f Fixed) Read() (Reading, error) { return Reading(f), nil }
