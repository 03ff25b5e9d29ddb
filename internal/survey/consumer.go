package survey

import (
	"context"
	"log"

	"github.com/shaunagostinho/rfsurvey/internal/metrics"
	"github.com/shaunagostinho/rfsurvey/internal/sample"
)

type consumer struct {
	c     *Controller
	runID string
}

func newConsumer(c *Controller, runID string) *consumer {
	return &consumer{c: c, runID: runID}
}

func (cs *consumer) run(ctx context.Context) {
	o := cs.c.opts
	for ctx.Err() == nil {
		r, ok := o.Queue.Get(ctx, o.Poll)
		if !ok {
			continue
		}
		cs.handle(r)
		o.Metrics.SetGauge(metrics.QueueLength, float64(o.Queue.Len()))
	}
}

func (cs *consumer) handle(r sample.Record) {
	o := cs.c.opts
	if cs.c.Verbose() {
		log.Printf("[survey] received sample (lat=%f) (lon=%f) with value %f",
			r.LatDegrees(), r.LonDegrees(), r.Power[0])
	}
	o.Metrics.IncCounter(metrics.SamplesConsumed, 1)
	if o.Sink != nil {
		if err := o.Sink.Append(r); err != nil {
			log.Printf("[survey] %v", err)
		} else {
			o.Metrics.IncCounter(metrics.CSVRowsWritten, 1)
		}
	}
	cs.c.publish(DirRx, cs.runID, r)
}
