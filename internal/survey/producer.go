package survey

import (
	"context"
	"log"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/shaunagostinho/rfsurvey/internal/metrics"
	"github.com/shaunagostinho/rfsurvey/internal/sample"
)

// Advisory is sent to the vehicle while samples cannot be built.
const Advisory = "No position; can't create samples"

type producer struct {
	c     *Controller
	runID string

	// lastAdvisory is zero while telemetry is fresh.
	lastAdvisory time.Time
}

func newProducer(c *Controller, runID string) *producer {
	return &producer{c: c, runID: runID}
}

func (p *producer) run(ctx context.Context) {
	clock := p.c.opts.Clock
	for ctx.Err() == nil {
		wait := p.tick(clock.Now())
		select {
		case <-ctx.Done():
			return
		case <-clock.After(wait):
		}
	}
}

// tick performs one producer step at now and returns how long to wait
// before the next.
func (p *producer) tick(now time.Time) time.Duration {
	o := p.c.opts

	if !o.Snapshot.Fresh(now) {
		if p.lastAdvisory.IsZero() {
			p.lastAdvisory = now
		} else if now.Sub(p.lastAdvisory) >= o.Boredom {
			p.lastAdvisory = now
			o.Transport.Notify(common.MAV_SEVERITY_WARNING, Advisory)
			o.Metrics.IncCounter(metrics.Advisories, 1)
		}
		return o.Backoff
	}
	p.lastAdvisory = time.Time{}

	power, err := o.Power.Read()
	if err != nil {
		log.Printf("[survey] %s read failed: %v", o.Power.Name(), err)
		return o.Backoff
	}

	pos, gq, att := o.Snapshot.Read()
	r := sample.Record{
		Timestamp:  float64(now.UnixNano()) / 1e9,
		Lat:        pos.Lat,
		Lon:        pos.Lon,
		Heading:    pos.Heading,
		Pitch:      att.Pitch,
		Roll:       att.Roll,
		Altitude:   float32(pos.Altitude),
		HDOP:       gq.HDOP,
		VDOP:       gq.VDOP,
		Satellites: gq.Satellites,
		Power:      power,
	}
	if p.c.Verbose() {
		log.Printf("[survey] sample going in with value of %f", r.Power[0])
	}

	o.Transport.SendSample(r)
	o.Metrics.IncCounter(metrics.SamplesProduced, 1)
	if o.Sink != nil {
		if err := o.Sink.Append(r); err != nil {
			log.Printf("[survey] %v", err)
		} else {
			o.Metrics.IncCounter(metrics.CSVRowsWritten, 1)
		}
	}
	p.c.publish(DirTx, p.runID, r)
	return o.Interval
}
