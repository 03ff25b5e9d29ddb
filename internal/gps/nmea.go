package gps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS.
// RMC supplies position and course, GGA altitude and satellite count, GSA
// the dilution of precision figures.
type NMEAProvider struct {
	portPath string
	baudRate int
	port     io.ReadCloser
	scanner  *bufio.Scanner
	mu       sync.Mutex
	last     Data
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
	}
}

// newNMEAFromReader wires a provider to an already-open sentence stream.
func newNMEAFromReader(r io.ReadCloser) *NMEAProvider {
	return &NMEAProvider{port: r, scanner: bufio.NewScanner(r)}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	port.SetReadTimeout(200 * time.Millisecond)

	n.mu.Lock()
	n.port = port
	n.scanner = bufio.NewScanner(port)
	n.mu.Unlock()
	log.Printf("[gps] connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.port != nil {
		return n.port.Close()
	}
	return nil
}

// Read consumes sentences until RMC and GGA have both been seen, or the
// line budget runs out. It returns ErrNoFix if neither arrived.
func (n *NMEAProvider) Read() (*Data, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanner == nil {
		return nil, fmt.Errorf("gps: not connected")
	}

	gotRMC := false
	gotGGA := false
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		if !n.scanner.Scan() {
			if err := n.resetScanner(); err != nil {
				return nil, err
			}
			break
		}
		line := strings.TrimSpace(n.scanner.Text())
		if !strings.HasPrefix(line, "$") || !validateNMEAChecksum(line) {
			continue
		}

		switch sentenceType(line) {
		case "RMC":
			n.parseRMC(line)
			gotRMC = true
		case "GGA":
			n.parseGGA(line)
			gotGGA = true
		case "GSA":
			n.parseGSA(line)
		}
	}

	if !gotRMC && !gotGGA {
		return nil, ErrNoFix
	}
	fix := n.last
	return &fix, nil
}

// resetScanner replaces a scanner that stopped on an error. A bufio.Scanner
// gives up for good after repeated empty reads, which is what a serial port
// with a read timeout returns while the receiver is silent.
func (n *NMEAProvider) resetScanner() error {
	err := n.scanner.Err()
	if err == nil {
		return nil
	}
	n.scanner = bufio.NewScanner(n.port)
	if errors.Is(err, io.ErrNoProgress) {
		log.Printf("[gps] no data from %s, restarting reader", n.portPath)
		return nil
	}
	return fmt.Errorf("gps: read %s: %w", n.portPath, err)
}

// sentenceType strips the talker id ($GP, $GN, $GL...) from a sentence.
func sentenceType(line string) string {
	if len(line) < 6 {
		return ""
	}
	return line[3:6]
}

func (n *NMEAProvider) parseRMC(line string) {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	parts := splitNMEA(line)
	if len(parts) < 10 {
		return
	}

	n.last.Timestamp = parts[1]
	n.last.Valid = parts[2] == "A"

	if n.last.Valid {
		n.last.Latitude = parseNMEACoord(parts[3], parts[4])
		n.last.Longitude = parseNMEACoord(parts[5], parts[6])

		if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
			n.last.Speed = spd * 1.852 // Knots to km/h
		}
		if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
			n.last.Heading = hdg
		}
	}
}

func (n *NMEAProvider) parseGGA(line string) {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	parts := splitNMEA(line)
	if len(parts) < 11 {
		return
	}

	if fix, err := strconv.Atoi(parts[6]); err == nil {
		n.last.FixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		n.last.Satellites = sats
	}
	if hdop, err := strconv.ParseFloat(parts[8], 64); err == nil {
		n.last.HDOP = hdop
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		n.last.Altitude = alt
	}
}

func (n *NMEAProvider) parseGSA(line string) {
	// $GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*39
	parts := splitNMEA(line)
	if len(parts) < 18 {
		return
	}
	if hdop, err := strconv.ParseFloat(parts[16], 64); err == nil {
		n.last.HDOP = hdop
	}
	if vdop, err := strconv.ParseFloat(parts[17], 64); err == nil {
		n.last.VDOP = vdop
	}
}

// splitNMEA splits a sentence and strips the checksum suffix.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimPrefix(line, "$")
	return strings.Split(line, ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	min := val - deg*100
	result := deg + min/60

	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// validateNMEAChecksum checks the XOR checksum after *.
func validateNMEAChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 0 || idx+3 > len(line) {
		return false
	}
	body := line[1:idx] // Between $ and *
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}

// DemoGPS generates a simulated survey flight: a slow orbit around a fixed
// point with a good fix.
type DemoGPS struct {
	mu sync.Mutex
	t  float64
}

func NewDemoGPS() *DemoGPS { return &DemoGPS{} }

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	centerLat := -33.342409 // Bathurst survey site
	centerLon := 148.983291
	radius := 0.002 // ~200m

	return &Data{
		Valid:      true,
		Latitude:   centerLat + radius*math.Sin(d.t*0.1),
		Longitude:  centerLon + radius*math.Cos(d.t*0.1),
		Speed:      18 + rand.Float64()*2,
		Heading:    math.Mod(d.t*5.73, 360),
		Altitude:   1383 + 20*math.Sin(d.t*0.05),
		Satellites: 19,
		FixQuality: 1,
		HDOP:       0.66,
		VDOP:       0.9,
		Timestamp:  time.Now().UTC().Format("150405.00"),
	}, nil
}
