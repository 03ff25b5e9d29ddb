// Package link carries MAVLink frames to and from the vehicle over serial
// ports and UDP sockets. Incoming frames may be MAVLink 1 or 2; outgoing
// frames use the configured version.
package link

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
)

// Kind identifies the transport behind an endpoint.
type Kind string

const (
	KindSerial Kind = "serial"
	KindUDPIn  Kind = "udpin"
	KindUDPOut Kind = "udpout"
)

const defaultBaud = 57600

// Endpoint describes where a link connects, e.g. "serial:/dev/ttyUSB0:57600",
// "udpin:0.0.0.0:14550" or "udpout:10.0.0.2:14550".
type Endpoint struct {
	Kind    Kind
	Address string // device path or host:port
	Baud    int    // serial only
}

func (e Endpoint) String() string {
	if e.Kind == KindSerial {
		return fmt.Sprintf("%s:%s:%d", e.Kind, e.Address, e.Baud)
	}
	return fmt.Sprintf("%s:%s", e.Kind, e.Address)
}

// ParseEndpoint parses the kind:address[:baud] form.
func ParseEndpoint(s string) (Endpoint, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || rest == "" {
		return Endpoint{}, fmt.Errorf("link: bad endpoint %q", s)
	}

	switch Kind(kind) {
	case KindSerial:
		e := Endpoint{Kind: KindSerial, Address: rest, Baud: defaultBaud}
		if i := strings.LastIndex(rest, ":"); i > 0 {
			if baud, err := strconv.Atoi(rest[i+1:]); err == nil {
				if baud <= 0 {
					return Endpoint{}, fmt.Errorf("link: bad baud rate in %q", s)
				}
				e.Address, e.Baud = rest[:i], baud
			}
		}
		return e, nil
	case KindUDPIn, KindUDPOut:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("link: bad endpoint %q: %w", s, err)
		}
		return Endpoint{Kind: Kind(kind), Address: rest}, nil
	}
	return Endpoint{}, fmt.Errorf("link: unknown endpoint kind %q", kind)
}

// conf maps e onto the gomavlib endpoint serving it. A udpin endpoint opens
// a channel per remote peer and answers each of them.
func (e Endpoint) conf() (gomavlib.EndpointConf, error) {
	switch e.Kind {
	case KindSerial:
		return gomavlib.EndpointSerial{Device: e.Address, Baud: e.Baud}, nil
	case KindUDPIn:
		return gomavlib.EndpointUDPServer{Address: e.Address}, nil
	case KindUDPOut:
		return gomavlib.EndpointUDPClient{Address: e.Address}, nil
	}
	return nil, fmt.Errorf("link: unknown endpoint kind %q", e.Kind)
}
