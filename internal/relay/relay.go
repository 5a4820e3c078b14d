package relay

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/sublist"
)

const (
	RELAY_CONNECTED     string = "relay_connected"
	RELAY_DIAL_FAILED   string = "relay_dial_failed"
	RELAY_WRITE_FAILED  string = "relay_write_failed"
	RELAY_FRAME_SKIPPED string = "relay_frame_skipped"
)

type runningState int

const (
	created runningState = iota
	running
	stopped
)

type RelayConfig struct {
	Addr       string
	Serial     string
	DeviceType string
	Backoff    time.Duration
	QueueSize  int
}

// Relay forwards accepted fixes to a tracker server. It subscribes to a
// sublist and never blocks it; frames are skipped when the queue is full.
type Relay struct {
	log    log.Logger
	config RelayConfig
	loc    chan []byte
	dial   func(ctx context.Context, addr string) (net.Conn, error)

	skipped uint64
	pushed  uint64
	sent    uint64

	runningState
	rs_mu sync.Mutex
}

func NewRelay(config *RelayConfig) *Relay {
	r := &Relay{config: *config}
	if r.config.Backoff <= 0 {
		r.config.Backoff = 5 * time.Second
	}
	if r.config.QueueSize <= 0 {
		r.config.QueueSize = 64
	}
	if r.config.DeviceType == "" {
		r.config.DeviceType = "bestfix"
	}
	r.loc = make(chan []byte, r.config.QueueSize)
	r.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "relay").Str("addr", r.config.Addr).Value()
	return r
}

func (r *Relay) Push(d []byte) bool {
	r.rs_mu.Lock()
	st := r.runningState
	r.rs_mu.Unlock()
	if st == stopped {
		return true
	}
	if _, _, ok := sublist.DecodeLocation(d); !ok {
		return false
	}
	select {
	case r.loc <- d:
		atomic.AddUint64(&r.pushed, 1)
	default:
		atomic.AddUint64(&r.skipped, 1)
		r.log.Debug().Str("event", RELAY_FRAME_SKIPPED).Msg("")
	}
	return false
}

// Run connects, logs in and forwards queued fixes until ctx is done. A
// failed write drops the connection and the pending frame is resent after
// reconnecting.
func (r *Relay) Run(ctx context.Context) {
	r.rs_mu.Lock()
	if r.runningState != created {
		r.rs_mu.Unlock()
		return
	}
	r.runningState = running
	r.rs_mu.Unlock()
	defer func() {
		r.rs_mu.Lock()
		r.runningState = stopped
		r.rs_mu.Unlock()
	}()

	var pending []byte
	for ctx.Err() == nil {
		c, err := r.connect(ctx)
		if err != nil {
			r.log.Warn().Err(err).Str("event", RELAY_DIAL_FAILED).Msg("")
			select {
			case <-time.After(r.config.Backoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		pending = r.forward(ctx, c, pending)
		c.Close()
	}
}

func (r *Relay) connect(ctx context.Context) (net.Conn, error) {
	c, err := r.dial(ctx, r.config.Addr)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(&LoginMessage{SnType: "serial", Serial: r.config.Serial, DeviceType: r.config.DeviceType})
	buf, err := AppendFrame(nil, LOGIN, payload)
	if err == nil {
		_, err = c.Write(buf)
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	r.log.Info().Str("event", RELAY_CONNECTED).Msg("")
	return c, nil
}

// forward returns the frame that could not be written, if any.
func (r *Relay) forward(ctx context.Context, c net.Conn, pending []byte) []byte {
	buf := make([]byte, 0, 256)
	for {
		if pending == nil {
			select {
			case pending = <-r.loc:
			case <-ctx.Done():
				return nil
			}
		}
		f, server, ok := sublist.DecodeLocation(pending)
		if !ok {
			pending = nil
			continue
		}
		payload, err := json.Marshal(locationMessage(f, server))
		if err != nil {
			pending = nil
			continue
		}
		buf, err = AppendFrame(buf[:0], LOCATION_UPDATE, payload)
		if err != nil {
			pending = nil
			continue
		}
		if _, err = c.Write(buf); err != nil {
			r.log.Warn().Err(err).Str("event", RELAY_WRITE_FAILED).Msg("")
			return pending
		}
		atomic.AddUint64(&r.sent, 1)
		pending = nil
	}
}

func (r *Relay) Stats() (pushed, skipped, sent uint64) {
	return atomic.LoadUint64(&r.pushed), atomic.LoadUint64(&r.skipped), atomic.LoadUint64(&r.sent)
}
