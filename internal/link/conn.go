package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Ground-station identity used on outgoing frames.
const (
	DefaultSysID  = 255
	DefaultCompID = 190
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("link: closed")

// Handler receives each decoded message. It runs on the delivery goroutine
// and must not block for long.
type Handler func(message.Message)

// Options sets the identity and protocol version of outgoing frames.
type Options struct {
	SystemID    uint8
	ComponentID uint8
	Version     int // 1 or 2, default 1
}

func (o Options) withDefaults() Options {
	if o.SystemID == 0 {
		o.SystemID = DefaultSysID
	}
	if o.ComponentID == 0 {
		o.ComponentID = DefaultCompID
	}
	if o.Version != 2 {
		o.Version = 1
	}
	return o
}

func (o Options) outVersion() gomavlib.Version {
	if o.Version == 2 {
		return gomavlib.V2
	}
	return gomavlib.V1
}

// Conn is one MAVLink node speaking the ardupilotmega dialect over a single
// endpoint. Send is safe for concurrent use; Run is the single delivery
// goroutine.
type Conn struct {
	name string
	node *gomavlib.Node

	closed    atomic.Bool
	closeOnce sync.Once
}

// Open parses addr and connects to it.
func Open(addr string, opts Options) (*Conn, error) {
	e, err := ParseEndpoint(addr)
	if err != nil {
		return nil, err
	}
	ep, err := e.conf()
	if err != nil {
		return nil, err
	}
	return New(e.String(), ep, opts)
}

// New starts a node on ep.
func New(name string, ep gomavlib.EndpointConf, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:      []gomavlib.EndpointConf{ep},
		Dialect:        ardupilotmega.Dialect,
		OutVersion:     opts.outVersion(),
		OutSystemID:    opts.SystemID,
		OutComponentID: opts.ComponentID,
	})
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", name, err)
	}
	log.Printf("[link] opened %s (sending MAVLink %d)", name, opts.Version)
	return &Conn{name: name, node: node}, nil
}

func (c *Conn) Name() string { return c.name }

// Send queues msg for every channel currently open on the endpoint.
func (c *Conn) Send(msg message.Message) error {
	if c.closed.Load() {
		return fmt.Errorf("link %s: %w", c.name, ErrClosed)
	}
	c.node.WriteMessageAll(msg)
	return nil
}

// Run passes every decoded message to h until ctx is cancelled or the
// connection is closed.
func (c *Conn) Run(ctx context.Context, h Handler) {
	events := c.node.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch e := evt.(type) {
			case *gomavlib.EventFrame:
				h(e.Message())
			case *gomavlib.EventParseError:
				log.Printf("[link] %s: dropping frame: %v", c.name, e.Error)
			case *gomavlib.EventChannelOpen:
				log.Printf("[link] %s: channel open %v", c.name, e.Channel)
			case *gomavlib.EventChannelClose:
				log.Printf("[link] %s: channel closed %v", c.name, e.Channel)
			}
		}
	}
}

// Close stops the node. Calling it more than once is safe.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.node.Close()
	})
	return nil
}
