package survey

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/rfsurvey/internal/queue"
	"github.com/shaunagostinho/rfsurvey/internal/rf"
	"github.com/shaunagostinho/rfsurvey/internal/sample"
	"github.com/shaunagostinho/rfsurvey/internal/telemetry"
	"github.com/shaunagostinho/rfsurvey/internal/timeutil"
	"github.com/shaunagostinho/rfsurvey/internal/transport"
)

var t0 = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu      sync.Mutex
	samples []sample.Record
	notices []string
}

func (f *fakeTransport) SendSample(r sample.Record) {
	f.mu.Lock()
	f.samples = append(f.samples, r)
	f.mu.Unlock()
}

func (f *fakeTransport) Notify(severity common.MAV_SEVERITY, text string) {
	f.mu.Lock()
	f.notices = append(f.notices, text)
	f.mu.Unlock()
}

func (f *fakeTransport) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

type fakeSink struct {
	mu      sync.Mutex
	opens   int
	closes  int
	open    bool
	appends int
}

func (s *fakeSink) Open(time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	s.open = true
	return nil
}

func (s *fakeSink) Append(sample.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.appends++
	}
	return nil
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.closes++
	}
	s.open = false
}

type fixture struct {
	clock *timeutil.MockClock
	snap  *telemetry.Snapshot
	tr    *fakeTransport
	sink  *fakeSink
	q     *queue.Queue[sample.Record]
	c     *Controller
}

func newFixture(t *testing.T, limits telemetry.Thresholds) *fixture {
	t.Helper()
	f := &fixture{
		clock: timeutil.NewMockClock(t0),
		tr:    &fakeTransport{},
		sink:  &fakeSink{},
		q:     queue.New[sample.Record](8, queue.DropOldest),
	}
	f.snap = telemetry.NewSnapshot(f.clock, limits)
	f.c = New(Options{
		Snapshot:  f.snap,
		Power:     rf.Fixed{-50, -51, -52, -53, -54},
		Transport: f.tr,
		Queue:     f.q,
		Sink:      f.sink,
		Clock:     f.clock,
		Settings:  DefaultSettings(),
	})
	t.Cleanup(f.c.Stop)
	return f
}

func (f *fixture) feedAll() {
	f.snap.UpdatePosition(telemetry.Position{Lat: -353632610, Lon: 1491652300, Heading: 9000, Altitude: 58400})
	f.snap.UpdateGPSQuality(telemetry.GPSQuality{HDOP: 0.8, VDOP: 1.2, Satellites: 12})
	f.snap.UpdateAttitude(telemetry.Attitude{Pitch: 2.5, Roll: -1.25})
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "Inactive", Inactive.String())
	assert.Equal(t, "Receiving", Receiving.String())
	assert.Equal(t, "Sending", Sending.String())
}

func TestAtMostOneWorker(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	assert.Equal(t, Inactive, f.c.Mode())
	assert.Equal(t, int32(0), f.c.live.Load())

	steps := []struct {
		do   func()
		mode Mode
		live int32
	}{
		{f.c.StartSend, Sending, 1},
		{f.c.StartReceive, Receiving, 1},
		{f.c.StartReceive, Receiving, 1},
		{f.c.StartSend, Sending, 1},
		{f.c.StartSend, Sending, 1},
		{f.c.Stop, Inactive, 0},
		{f.c.StartReceive, Receiving, 1},
		{f.c.Stop, Inactive, 0},
	}
	for i, s := range steps {
		s.do()
		assert.Equalf(t, s.mode, f.c.Mode(), "step %d", i)
		assert.Equalf(t, s.live, f.c.live.Load(), "step %d", i)
		assert.Equalf(t, s.mode == Receiving, f.c.Receiving(), "step %d", i)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	f.c.Stop()
	f.c.Stop()
	assert.Equal(t, 0, f.sink.opens)

	f.c.StartSend()
	f.c.Stop()
	f.c.Stop()
	assert.Equal(t, Inactive, f.c.Mode())
	assert.Equal(t, 1, f.sink.opens)
	assert.Equal(t, 1, f.sink.closes)
	assert.Empty(t, f.c.Status().Run)
}

func TestAdvisoryRateLimit(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	p := newProducer(f.c, "test")

	// 25 s without telemetry, stepping by the backoff.
	for now := t0; !now.After(t0.Add(25 * time.Second)); {
		wait := p.tick(now)
		assert.Equal(t, DefaultBackoff, wait)
		now = now.Add(wait)
	}
	assert.Equal(t, []string{Advisory, Advisory}, f.tr.notices)
	assert.Zero(t, f.tr.sent())
}

func TestAdvisoryWindowRestartsAfterFreshPeriod(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	p := newProducer(f.c, "test")

	p.tick(t0)
	p.tick(t0.Add(9 * time.Second))
	assert.Empty(t, f.tr.notices)

	// Telemetry arrives, a sample is produced, then goes stale again.
	f.clock.Set(t0.Add(9500 * time.Millisecond))
	f.feedAll()
	assert.Equal(t, DefaultInterval, p.tick(f.clock.Now()))
	assert.Equal(t, 1, f.tr.sent())

	stale := t0.Add(12 * time.Second)
	p.tick(stale)
	p.tick(stale.Add(9 * time.Second))
	assert.Empty(t, f.tr.notices)
	p.tick(stale.Add(10 * time.Second))
	assert.Len(t, f.tr.notices, 1)
}

func TestProducerBuildsRecordFromSnapshot(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	f.feedAll()

	var events []Event
	f.c.Subscribe(func(ev Event) { events = append(events, ev) })

	p := newProducer(f.c, "run-1")
	assert.Equal(t, DefaultInterval, p.tick(t0))

	require.Len(t, f.tr.samples, 1)
	assert.Equal(t, sample.Record{
		Timestamp:  float64(t0.Unix()),
		Lat:        -353632610,
		Lon:        1491652300,
		Heading:    9000,
		Pitch:      2.5,
		Roll:       -1.25,
		Altitude:   58400,
		HDOP:       0.8,
		VDOP:       1.2,
		Satellites: 12,
		Power:      [sample.Channels]float32{-50, -51, -52, -53, -54},
	}, f.tr.samples[0])

	require.Len(t, events, 1)
	assert.Equal(t, DirTx, events[0].Dir)
	assert.Equal(t, "run-1", events[0].Run)
	assert.Equal(t, t0.UnixMilli(), events[0].Stamp)
}

type loopback struct {
	frames chan *ardupilotmega.MessageData64
}

func (l *loopback) Name() string { return "loopback" }

func (l *loopback) Send(m message.Message) error {
	if d, ok := m.(*ardupilotmega.MessageData64); ok {
		l.frames <- d
	}
	return nil
}

func TestEndToEndOneFramePerInterval(t *testing.T) {
	// Vehicle side with generous thresholds so the snapshot stays fresh
	// while the mock clock moves.
	hour := telemetry.Thresholds{Position: time.Hour, GPSQuality: time.Hour, Attitude: time.Hour}
	clock := timeutil.NewMockClock(t0)
	snap := telemetry.NewSnapshot(clock, hour)
	wire := &loopback{frames: make(chan *ardupilotmega.MessageData64, 4)}
	tx := transport.New(transport.Options{Primary: wire})
	vehicle := New(Options{
		Snapshot:  snap,
		Power:     rf.Fixed{-60, -61, -62, -63, -64},
		Transport: tx,
		Queue:     queue.New[sample.Record](1, queue.DropOldest),
		Clock:     clock,
		Settings:  Settings{CSV: false},
	})
	defer vehicle.Stop()

	// Ground side.
	q := queue.New[sample.Record](4, queue.DropOldest)
	rx := transport.New(transport.Options{Queue: q})
	ground := New(Options{
		Snapshot:  telemetry.NewSnapshot(nil, telemetry.Thresholds{}),
		Power:     rf.Fixed{},
		Transport: rx,
		Queue:     q,
		Poll:      10 * time.Millisecond,
		Settings:  Settings{CSV: false},
	})
	defer ground.Stop()
	rx.SetGate(ground)

	received := make(chan Event, 4)
	ground.Subscribe(func(ev Event) { received <- ev })
	ground.StartReceive()

	snap.HandleMessage(&ardupilotmega.MessageGlobalPositionInt{Lat: -353632610, Lon: 1491652300, Alt: 584000, Hdg: 27000})
	snap.HandleMessage(&ardupilotmega.MessageGpsRawInt{Eph: 90, Epv: 140, SatellitesVisible: 10})
	snap.HandleMessage(&ardupilotmega.MessageAttitude{Pitch: 0.1, Roll: -0.2}) // radians
	vehicle.StartSend()

	var frame *ardupilotmega.MessageData64
	select {
	case frame = <-wire.frames:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
	}
	assert.Equal(t, uint8(transport.DefaultTag), frame.Type)
	rx.HandleMessage(frame)

	var ev Event
	select {
	case ev = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not consumed")
	}
	assert.Equal(t, DirRx, ev.Dir)
	r := ev.Sample
	assert.Equal(t, int32(-353632610), r.Lat)
	assert.Equal(t, int32(1491652300), r.Lon)
	assert.Equal(t, int32(27000), r.Heading)
	assert.Equal(t, float32(58400), r.Altitude)
	assert.Equal(t, float32(0.9), r.HDOP)
	assert.Equal(t, float32(1.4), r.VDOP)
	assert.Equal(t, uint8(10), r.Satellites)
	assert.InDelta(t, 5.729578, r.Pitch, 1e-4)
	assert.InDelta(t, -11.459156, r.Roll, 1e-4)
	assert.Equal(t, float32(-60), r.Power[0])

	// The producer now waits one sampling interval.
	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, 2*time.Second, 5*time.Millisecond)
	clock.Advance(DefaultInterval - time.Second)
	select {
	case <-wire.frames:
		t.Fatal("frame sent before the interval elapsed")
	default:
	}
	clock.Advance(time.Second)
	select {
	case <-wire.frames:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after one interval")
	}
}

func TestStartReceiveDiscardsStaleSamples(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	f.q.Put(sample.Record{Lat: 1})
	f.q.Put(sample.Record{Lat: 2})

	f.c.StartReceive()
	assert.Equal(t, 0, f.q.Len())
}

func TestConsumerAppendsToSink(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	f.c.opts.Poll = 5 * time.Millisecond
	f.c.StartReceive()
	require.Equal(t, 1, f.sink.opens)

	f.q.Put(sample.Record{Lat: 7})
	require.Eventually(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return f.sink.appends == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.c.Stop()
	assert.Equal(t, 1, f.sink.closes)
}

func TestCSVSettingControlsSink(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	require.NoError(t, f.c.Set("csv", "false"))
	f.c.StartSend()
	f.c.Stop()
	assert.Equal(t, 0, f.sink.opens)

	require.NoError(t, f.c.Set("csv", "1"))
	f.c.StartSend()
	assert.Equal(t, 1, f.sink.opens)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	assert.Equal(t, "Inactive", f.c.Status().Status)

	f.c.StartSend()
	st := f.c.Status()
	assert.Equal(t, "Sending", st.Mode)
	assert.Equal(t, "Sending (position bad)", st.Status)
	assert.NotEmpty(t, st.Run)
	assert.ElementsMatch(t, []string{"position", "gps", "attitude"}, st.Stale)

	f.feedAll()
	assert.Equal(t, "Sending", f.c.Status().Status)

	f.c.StartReceive()
	st2 := f.c.Status()
	assert.Equal(t, "Receiving", st2.Status)
	assert.NotEqual(t, st.Run, st2.Run)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})

	tests := []struct {
		line    string
		want    string
		wantErr bool
	}{
		{line: "", want: Usage, wantErr: true},
		{line: "bogus", want: Usage, wantErr: true},
		{line: "status", want: "Inactive"},
		{line: "rfsurvey receive", want: "Receiving"},
		{line: "send", want: "Sending (position bad)"},
		{line: "stop", want: "Inactive"},
		{line: "set", want: "verbose=false csv=true"},
		{line: "set verbose=true", want: "verbose=true csv=true"},
		{line: "set csv off", wantErr: true},
		{line: "set csv 0", want: "verbose=true csv=false"},
		{line: "set colour=blue", wantErr: true},
		{line: "set verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := f.c.Dispatch(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.want != "" {
				assert.Equal(t, tt.want, got)
			}
		})
	}
	assert.True(t, f.c.Verbose())
}

func TestWorkersExitOnCancel(t *testing.T) {
	f := newFixture(t, telemetry.Thresholds{})
	p := newProducer(f.c, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		p.run(ctx)
		newConsumer(f.c, "x").run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers ignored cancellation")
	}
}
