// Package transport moves encoded samples over the vehicle link as DATA64
// frames and turns inbound frames back into samples.
package transport

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/shaunagostinho/rfsurvey/internal/metrics"
	"github.com/shaunagostinho/rfsurvey/internal/queue"
	"github.com/shaunagostinho/rfsurvey/internal/sample"
)

// DefaultTag marks frames belonging to the survey application.
const DefaultTag = 57

// ErrSendFailed wraps a link write error for a sample frame.
var ErrSendFailed = errors.New("transport: send failed")

// Sender is one outbound link.
type Sender interface {
	Name() string
	Send(message.Message) error
}

// Gate reports whether inbound samples are wanted right now and whether
// diagnostics are verbose. It is called from the link's delivery goroutine
// and must not block.
type Gate interface {
	Receiving() bool
	Verbose() bool
}

// Options configures an Adapter. Primary is required.
type Options struct {
	Primary Sender
	Outputs []Sender
	Tag     uint8
	Gate    Gate
	Queue   *queue.Queue[sample.Record]
	Metrics metrics.Recorder
}

// Adapter joins the pipeline to the links.
type Adapter struct {
	primary Sender
	outputs []Sender
	tag     uint8
	queue   *queue.Queue[sample.Record]
	metrics metrics.Recorder

	mu   sync.RWMutex
	gate Gate
}

func New(opts Options) *Adapter {
	if opts.Tag == 0 {
		opts.Tag = DefaultTag
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Adapter{
		primary: opts.Primary,
		outputs: opts.Outputs,
		tag:     opts.Tag,
		gate:    opts.Gate,
		queue:   opts.Queue,
		metrics: opts.Metrics,
	}
}

func (a *Adapter) Tag() uint8 { return a.tag }

// SetGate replaces the gate. Until one is set nothing is received.
func (a *Adapter) SetGate(g Gate) {
	a.mu.Lock()
	a.gate = g
	a.mu.Unlock()
}

// SendSample encodes r and sends it with the adapter's tag.
func (a *Adapter) SendSample(r sample.Record) {
	a.Send(a.tag, sample.Encode(r))
}

// Send wraps payload in a DATA64 frame and writes it to the primary link and
// every output. Failures are logged and counted, never returned.
func (a *Adapter) Send(tag uint8, payload [sample.Size]byte) {
	msg := &ardupilotmega.MessageData64{Type: tag, Len: sample.Size, Data: payload}
	for _, s := range a.senders() {
		if err := s.Send(msg); err != nil {
			err = fmt.Errorf("%w on %s: %w", ErrSendFailed, s.Name(), err)
			log.Printf("[transport] %v", err)
			a.metrics.IncCounter(metrics.SendFailures, 1)
			continue
		}
		a.metrics.IncCounter(metrics.FramesSent, 1)
	}
}

// Notify sends a severity-tagged notice on the primary link.
func (a *Adapter) Notify(severity common.MAV_SEVERITY, text string) {
	log.Printf("[transport] notice (severity %d): %s", severity, text)
	if a.primary == nil {
		return
	}
	msg := &ardupilotmega.MessageStatustext{Severity: ardupilotmega.MAV_SEVERITY(severity), Text: text}
	if err := a.primary.Send(msg); err != nil {
		log.Printf("[transport] notice on %s failed: %v", a.primary.Name(), err)
	}
}

// HandleMessage is a link handler that forwards DATA64 frames to OnReceive.
func (a *Adapter) HandleMessage(m message.Message) {
	if d, ok := m.(*ardupilotmega.MessageData64); ok {
		a.OnReceive(d)
	}
}

// OnReceive decodes an inbound frame onto the queue while receiving.
func (a *Adapter) OnReceive(m *ardupilotmega.MessageData64) {
	a.mu.RLock()
	g := a.gate
	a.mu.RUnlock()
	if g == nil || !g.Receiving() {
		return
	}
	if m.Type != a.tag {
		if g.Verbose() {
			log.Printf("[transport] ignoring DATA64 with tag %d (want %d)", m.Type, a.tag)
		}
		a.metrics.IncCounter(metrics.TagMismatches, 1)
		return
	}
	r, err := sample.Decode(payload(m))
	if err != nil {
		log.Printf("[transport] dropping frame: %v", err)
		a.metrics.IncCounter(metrics.DecodeErrors, 1)
		return
	}
	a.metrics.IncCounter(metrics.FramesReceived, 1)
	if !a.queue.Put(r) {
		a.metrics.IncCounter(metrics.QueueDrops, 1)
	}
	a.metrics.SetGauge(metrics.QueueLength, float64(a.queue.Len()))
}

func (a *Adapter) senders() []Sender {
	out := make([]Sender, 0, 1+len(a.outputs))
	if a.primary != nil {
		out = append(out, a.primary)
	}
	return append(out, a.outputs...)
}

// payload returns the meaningful prefix of the frame's data as declared by
// its length field.
func payload(m *ardupilotmega.MessageData64) []byte {
	n := int(m.Len)
	if n > len(m.Data) {
		n = len(m.Data)
	}
	return m.Data[:n]
}
