package link

import (
	"errors"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// ErrNotConnected is returned by Send before Connect has succeeded.
var ErrNotConnected = errors.New("link: not connected")

// Link is a named endpoint that is connected later, typically with retries,
// and can be sent on before then.
type Link struct {
	addr string
	opts Options

	mu   sync.RWMutex
	conn *Conn
}

func NewLink(addr string, opts Options) *Link { return &Link{addr: addr, opts: opts} }

func (l *Link) Name() string { return l.addr }

// Connect opens the endpoint, replacing any earlier connection.
func (l *Link) Connect() error {
	c, err := Open(l.addr, l.opts)
	if err != nil {
		return err
	}
	l.mu.Lock()
	old := l.conn
	l.conn = c
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	c := l.conn
	l.conn = nil
	l.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// Conn returns the current connection or nil.
func (l *Link) Conn() *Conn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn
}

func (l *Link) Send(m message.Message) error {
	c := l.Conn()
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(m)
}
