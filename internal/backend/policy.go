package backend

import (
	"time"

	"github.com/phuslu/log"
)

const (
	DefaultInterval     = 10 * time.Second
	FastestInterval     = 5 * time.Second
	DefaultDisplacement = 10.0
	MaxWaitTime         = 2 * time.Minute
)

// Policy is the update policy a strategy hands to its backend. Interval
// never goes below FastestInterval.
type Policy struct {
	interval     time.Duration
	Displacement float64
	Periodic     bool
}

func DefaultPolicy() Policy {
	return Policy{interval: DefaultInterval, Displacement: DefaultDisplacement}
}

func (p *Policy) SetInterval(d time.Duration) {
	if d < FastestInterval {
		d = FastestInterval
	}
	p.interval = d
}

func (p Policy) Interval() time.Duration {
	if p.interval < FastestInterval {
		return FastestInterval
	}
	return p.interval
}

func (p Policy) Request() Request {
	return Request{
		Interval:        p.Interval(),
		FastestInterval: FastestInterval,
		MaxWait:         MaxWaitTime,
		Priority:        PriorityHighAccuracy,
		MinDisplacement: p.Displacement,
	}
}

func (p Policy) MarshalObject(e *log.Entry) {
	e.Dur("interval", p.Interval()).Float64("displacement", p.Displacement).Bool("periodic", p.Periodic)
}
