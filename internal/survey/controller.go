// Package survey runs the RF survey pipeline: on the vehicle it samples
// telemetry and channel power and sends the samples to the ground; on the
// ground it receives and logs them.
package survey

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/google/uuid"

	"github.com/shaunagostinho/rfsurvey/internal/metrics"
	"github.com/shaunagostinho/rfsurvey/internal/queue"
	"github.com/shaunagostinho/rfsurvey/internal/rf"
	"github.com/shaunagostinho/rfsurvey/internal/sample"
	"github.com/shaunagostinho/rfsurvey/internal/telemetry"
	"github.com/shaunagostinho/rfsurvey/internal/timeutil"
)

// Mode is the pipeline state.
type Mode int32

const (
	Inactive Mode = iota
	Receiving
	Sending
)

func (m Mode) String() string {
	switch m {
	case Receiving:
		return "Receiving"
	case Sending:
		return "Sending"
	}
	return "Inactive"
}

// Pipeline timing defaults.
const (
	DefaultInterval = 10 * time.Second
	DefaultBackoff  = time.Second
	DefaultBoredom  = 10 * time.Second
	DefaultPoll     = 100 * time.Millisecond
)

// Transport is where produced samples and advisories go.
type Transport interface {
	SendSample(sample.Record)
	Notify(severity common.MAV_SEVERITY, text string)
}

// Sink records samples on disk. Append must be a no-op while closed.
type Sink interface {
	Open(now time.Time) error
	Append(sample.Record) error
	Close()
}

// Direction of a sample relative to this process.
const (
	DirTx = "tx"
	DirRx = "rx"
)

// Event is published to observers for every sample produced or consumed.
type Event struct {
	Dir    string        `json:"dir"`
	Run    string        `json:"run"`
	Sample sample.Record `json:"sample"`
	Stamp  int64         `json:"stamp"` // unix ms
}

// Observer receives events on the worker goroutine and must not block.
type Observer func(Event)

// Options wires a Controller. Snapshot, Power, Transport and Queue are
// required; zero durations take the defaults.
type Options struct {
	Snapshot  *telemetry.Snapshot
	Power     rf.Provider
	Transport Transport
	Queue     *queue.Queue[sample.Record]
	Sink      Sink
	Metrics   metrics.Recorder
	Clock     timeutil.Clock
	Settings  Settings

	Interval time.Duration
	Backoff  time.Duration
	Boredom  time.Duration
	Poll     time.Duration
}

// Controller owns the pipeline. At most one worker, producer or consumer,
// runs at any time.
type Controller struct {
	opts Options

	mu     sync.Mutex // serializes Start*/Stop
	cancel context.CancelFunc
	done   chan struct{}
	run    string

	mode     atomic.Int32
	live     atomic.Int32
	settings settingsStore

	obsMu     sync.RWMutex
	observers []Observer
}

func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Boredom <= 0 {
		opts.Boredom = DefaultBoredom
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	c := &Controller{opts: opts}
	c.settings.set(opts.Settings)
	return c
}

// Mode returns the current state without taking the controller lock.
func (c *Controller) Mode() Mode { return Mode(c.mode.Load()) }

// Receiving reports whether inbound samples should be queued.
func (c *Controller) Receiving() bool { return c.Mode() == Receiving }

// Verbose reports the verbose setting.
func (c *Controller) Verbose() bool { return c.settings.get().Verbose }

// Subscribe registers fn for every produced or consumed sample.
func (c *Controller) Subscribe(fn Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

func (c *Controller) publish(dir string, run string, r sample.Record) {
	c.obsMu.RLock()
	obs := c.observers
	c.obsMu.RUnlock()
	if len(obs) == 0 {
		return
	}
	ev := Event{Dir: dir, Run: run, Sample: r, Stamp: c.opts.Clock.Now().UnixMilli()}
	for _, fn := range obs {
		fn(ev)
	}
}

// StartSend stops any active worker and starts producing samples.
func (c *Controller) StartSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.openSink()
	run := c.begin(Sending)
	p := newProducer(c, run)
	c.spawn(p.run)
	log.Printf("[survey] sending (run %s)", run)
}

// StartReceive stops any active worker, discards samples queued by an
// earlier session and starts consuming.
func (c *Controller) StartReceive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	if n := c.opts.Queue.Drain(); n > 0 {
		log.Printf("[survey] discarded %d stale samples", n)
	}
	c.openSink()
	run := c.begin(Receiving)
	cons := newConsumer(c, run)
	c.spawn(cons.run)
	log.Printf("[survey] receiving (run %s)", run)
}

// Stop ends the active worker and closes the sink. Stopping an inactive
// pipeline is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.cancel == nil {
		return
	}
	prev := c.Mode()
	c.setMode(Inactive)
	c.cancel()
	<-c.done
	c.cancel, c.done, c.run = nil, nil, ""
	if c.opts.Sink != nil {
		c.opts.Sink.Close()
	}
	log.Printf("[survey] stopped %s", prev)
}

func (c *Controller) openSink() {
	if c.opts.Sink == nil || !c.settings.get().CSV {
		return
	}
	if err := c.opts.Sink.Open(c.opts.Clock.Now()); err != nil {
		log.Printf("[survey] csv disabled for this run: %v", err)
	}
}

func (c *Controller) begin(m Mode) string {
	c.run = uuid.NewString()
	c.setMode(m)
	return c.run
}

func (c *Controller) setMode(m Mode) {
	c.mode.Store(int32(m))
	c.opts.Metrics.SetGauge(metrics.PipelineMode, float64(m))
}

func (c *Controller) spawn(work func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.live.Add(1)
	go func() {
		defer close(done)
		defer c.live.Add(-1)
		work(ctx)
	}()
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Mode     string   `json:"mode"`
	Status   string   `json:"status"`
	Run      string   `json:"run,omitempty"`
	Queued   int      `json:"queued"`
	Stale    []string `json:"stale,omitempty"`
	Settings Settings `json:"settings"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()

	m := c.Mode()
	st := Status{
		Mode:     m.String(),
		Status:   m.String(),
		Run:      run,
		Queued:   c.opts.Queue.Len(),
		Settings: c.settings.get(),
	}
	for _, f := range c.opts.Snapshot.StaleFeeds(c.opts.Clock.Now()) {
		st.Stale = append(st.Stale, string(f))
	}
	if m == Sending && len(st.Stale) > 0 {
		st.Status = "Sending (position bad)"
	}
	return st
}
