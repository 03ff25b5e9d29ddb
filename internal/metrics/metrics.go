// Package metrics counts what the survey pipeline does and exposes it to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counter and gauge names.
const (
	FramesSent       = "rfsurvey_frames_sent_total"
	SendFailures     = "rfsurvey_send_failures_total"
	FramesReceived   = "rfsurvey_frames_received_total"
	DecodeErrors     = "rfsurvey_decode_errors_total"
	TagMismatches    = "rfsurvey_tag_mismatches_total"
	QueueDrops       = "rfsurvey_queue_dropped_total"
	SamplesProduced  = "rfsurvey_samples_produced_total"
	SamplesConsumed  = "rfsurvey_samples_consumed_total"
	Advisories       = "rfsurvey_advisories_total"
	QueueLength      = "rfsurvey_queue_length"
	PipelineMode     = "rfsurvey_pipeline_mode"
	CSVRowsWritten   = "rfsurvey_csv_rows_total"
	TelemetryUpdates = "rfsurvey_telemetry_updates_total"
)

// Recorder is what the pipeline reports to. Unknown names are ignored.
type Recorder interface {
	IncCounter(name string, v float64)
	SetGauge(name string, v float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64) {}
func (Nop) SetGauge(string, float64)   {}

// Prom is a Recorder backed by Prometheus collectors.
type Prom struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

var help = map[string]string{
	FramesSent:       "Sample frames written to a link.",
	SendFailures:     "Sample frames that could not be written to a link.",
	FramesReceived:   "DATA64 frames accepted while receiving.",
	DecodeErrors:     "Received frames whose payload was not a valid sample.",
	TagMismatches:    "Received frames carrying another application's tag.",
	QueueDrops:       "Samples lost because the queue was full.",
	SamplesProduced:  "Samples built from fresh telemetry.",
	SamplesConsumed:  "Samples taken off the queue by the consumer.",
	Advisories:       "Stale-telemetry advisories sent to the vehicle.",
	CSVRowsWritten:   "Rows appended to the CSV log.",
	TelemetryUpdates: "Telemetry messages applied to the snapshot.",
}

var gaugeHelp = map[string]string{
	QueueLength:  "Samples currently buffered between transport and consumer.",
	PipelineMode: "0 inactive, 1 receiving, 2 sending.",
}

// New registers every collector with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		counters: make(map[string]prometheus.Counter, len(help)),
		gauges:   make(map[string]prometheus.Gauge, len(gaugeHelp)),
	}
	for name, h := range help {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: h})
		reg.MustRegister(c)
		p.counters[name] = c
	}
	for name, h := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: h})
		reg.MustRegister(g)
		p.gauges[name] = g
	}
	return p
}

func (p *Prom) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *Prom) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}
