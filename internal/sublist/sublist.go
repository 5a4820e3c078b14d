package sublist

import (
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/fix"
	"nuha.dev/bestfix/internal/strategy"
)

const (
	TOPIC_CONNECTED      = "connected"
	TOPIC_STATUS_CHANGED = "status_changed"
	TOPIC_FAILURE        = "failure"
)

type Subscriber interface {
	// Push hands one frame over without blocking. It reports whether the
	// subscriber is gone.
	Push(d []byte) (closed bool)
}

// Sublist fans the frames of one strategy out to subscribers. It is the
// strategy listener of the daemon.
type Sublist struct {
	mu         sync.Mutex
	log        log.Logger
	list       map[Subscriber]bool
	data       []byte
	event_data []byte
}

func New() *Sublist {
	s := &Sublist{list: map[Subscriber]bool{}}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "sublist").Value()
	return s
}

// Subscribe replays the latest location and event frames to sub.
func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list[sub] = true
	if s.data != nil {
		sub.Push(s.data)
	}
	if s.event_data != nil {
		sub.Push(s.event_data)
	}
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *Sublist) send(d []byte) {
	for sub := range s.list {
		if closed := sub.Push(d); closed {
			delete(s.list, sub)
		}
	}
}

func (s *Sublist) OnBetterFixAvailable(f fix.Fix) {
	d := encodeLocation(f, time.Now())
	s.mu.Lock()
	s.data = d
	s.send(d)
	s.mu.Unlock()
}

func (s *Sublist) event(e Event) {
	e.Time = time.Now().Unix()
	d := encodeEvent(e)
	s.mu.Lock()
	s.event_data = d
	s.send(d)
	s.mu.Unlock()
}

func (s *Sublist) OnConnected() {
	s.log.Info().Str("event", TOPIC_CONNECTED).Msg("")
	s.event(Event{Topic: TOPIC_CONNECTED})
}

func (s *Sublist) OnConnectionStatusChanged() {
	s.log.Info().Str("event", TOPIC_STATUS_CHANGED).Msg("")
	s.event(Event{Topic: TOPIC_STATUS_CHANGED})
}

func (s *Sublist) OnFailure(f strategy.Failure) {
	s.log.Warn().Err(f).Str("event", TOPIC_FAILURE).Msg("")
	s.event(Event{Topic: TOPIC_FAILURE, Kind: f.Kind.String(), Provider: f.Provider})
}
