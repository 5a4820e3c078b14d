package nmea

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
	"github.com/phuslu/log"
	"go.bug.st/serial"
	"nuha.dev/bestfix/internal/backend/basic"
	"nuha.dev/bestfix/internal/fix"
)

const (
	// accuracy in meters per unit of HDOP
	UERE            = 5.0
	DefaultAccuracy = 20.0
	knotsToMs       = 0.514444
)

const (
	PORT_OPEN_FAILED string = "port_open_failed"
	PORT_READ_FAILED string = "port_read_failed"
)

type Config struct {
	Port     string
	BaudRate int
}

// Opener returns the byte stream of a receiver. The default opens a serial
// port.
type Opener func(port string, baud int) (io.ReadCloser, error)

func OpenSerial(port string, baud int) (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}
	return p, nil
}

// Provider is the satellite provider: NMEA 0183 RMC and GGA sentences read
// from a receiver.
type Provider struct {
	mu     sync.Mutex
	log    log.Logger
	config Config
	open   Opener
	port   io.ReadCloser
	last   *fix.Fix
	hdop   float64
	alt    float64
	hasAlt bool
	valid  bool
}

func New(config *Config, open Opener) *Provider {
	p := &Provider{config: *config, open: open}
	if p.config.BaudRate == 0 {
		p.config.BaudRate = 9600
	}
	if p.open == nil {
		p.open = OpenSerial
	}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "nmea").Str("port", p.config.Port).Value()
	return p
}

func (p *Provider) Name() string {
	return fix.SourceSatellite
}

func (p *Provider) Enabled() bool {
	if p.config.Port == "" {
		return false
	}
	_, err := os.Stat(p.config.Port)
	return err == nil
}

func (p *Provider) LastKnown() (fix.Fix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return fix.Fix{}, false
	}
	return *p.last, true
}

func (p *Provider) Start(ev basic.Events) error {
	p.Stop()
	port, err := p.open(p.config.Port, p.config.BaudRate)
	if err != nil {
		p.log.Warn().Err(err).Str("event", PORT_OPEN_FAILED).Msg("")
		return err
	}
	p.mu.Lock()
	p.port = port
	p.valid = false
	p.mu.Unlock()
	go p.read(port, ev)
	return nil
}

func (p *Provider) Stop() {
	p.mu.Lock()
	port := p.port
	p.port = nil
	p.mu.Unlock()
	if port != nil {
		port.Close()
	}
}

func (p *Provider) current(port io.ReadCloser) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port == port
}

func (p *Provider) read(port io.ReadCloser, ev basic.Events) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		s, err := gonmea.Parse(line)
		if err != nil {
			continue
		}
		f, status, ok := p.handle(s)
		if !p.current(port) {
			return
		}
		if status >= 0 {
			ev.OnStatus(basic.Status(status))
		}
		if ok {
			ev.OnFix(f)
		}
	}
	if !p.current(port) {
		return
	}
	p.log.Warn().Err(scanner.Err()).Str("event", PORT_READ_FAILED).Msg("receiver stream ended")
	ev.OnStatus(basic.StatusDisabled)
}

// handle folds one sentence into the provider state. status is -1 when the
// sentence did not change the receiver status.
func (p *Provider) handle(s gonmea.Sentence) (f fix.Fix, status int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status = -1
	switch s.DataType() {
	case gonmea.TypeGGA:
		m := s.(gonmea.GGA)
		p.hdop = m.HDOP
		if m.FixQuality != gonmea.Invalid {
			p.alt = m.Altitude
			p.hasAlt = true
		}
	case gonmea.TypeRMC:
		m := s.(gonmea.RMC)
		valid := m.Validity == gonmea.ValidRMC
		if valid != p.valid {
			p.valid = valid
			status = int(basic.StatusChanged)
			if valid {
				status = int(basic.StatusEnabled)
			}
		}
		if !valid {
			return
		}
		f = fix.Fix{
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Accuracy:  p.accuracy(),
			Time:      timestamp(m.Date, m.Time),
			Source:    fix.SourceSatellite,
		}.WithSpeed(m.Speed * knotsToMs)
		if p.hasAlt {
			f = f.WithAltitude(p.alt)
		}
		p.last = &f
		ok = true
	}
	return
}

func (p *Provider) accuracy() float64 {
	if p.hdop <= 0 {
		return DefaultAccuracy
	}
	return p.hdop * UERE
}

func timestamp(d gonmea.Date, t gonmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return time.Now().UTC()
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
