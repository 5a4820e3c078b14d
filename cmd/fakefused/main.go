package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/backend/enhanced/natsfused"
	"nuha.dev/bestfix/internal/fix"
)

var url = flag.String("url", nats.DefaultURL, "nats server")
var prefix = flag.String("prefix", "fused", "subject prefix")
var version = flag.Int("version", 1, "version reported to availability checks")
var lat = flag.Float64("lat", -6.175392, "start latitude")
var lon = flag.Float64("lon", 106.827153, "start longitude")

// walker drifts a position a few meters per step.
type walker struct {
	mu  sync.Mutex
	cur fix.Fix
}

func (w *walker) step() fix.Fix {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cur.Latitude += (rand.Float64() - 0.5) * 0.0002
	w.cur.Longitude += (rand.Float64() - 0.5) * 0.0002
	w.cur.Accuracy = 3 + rand.Float64()*12
	w.cur.Time = time.Now()
	return w.cur
}

func (w *walker) last() fix.Fix {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

func reply(m *nats.Msg, r natsfused.Reply) {
	d, _ := json.Marshal(r)
	if err := m.Respond(d); err != nil {
		log.Error().Err(err).Str("subject", m.Subject).Msg("respond failed")
	}
}

func main() {
	flag.Parse()
	nc, err := nats.Connect(*url, nats.Name("fakefused"))
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect")
	}
	defer nc.Close()

	w := &walker{cur: fix.Fix{Latitude: *lat, Longitude: *lon, Accuracy: 10, Time: time.Now(), Source: fix.SourceFused}}
	var mu sync.Mutex
	streams := map[string]chan struct{}{}
	subj := func(s string) string { return *prefix + "." + s }

	handlers := map[string]nats.MsgHandler{
		natsfused.SUBJECT_VERSION: func(m *nats.Msg) {
			reply(m, natsfused.Reply{Version: *version})
		},
		natsfused.SUBJECT_CURRENT: func(m *nats.Msg) {
			f := w.step()
			reply(m, natsfused.Reply{Fix: &f})
		},
		natsfused.SUBJECT_LAST: func(m *nats.Msg) {
			f := w.last()
			reply(m, natsfused.Reply{Fix: &f})
		},
		natsfused.SUBJECT_START: func(m *nats.Msg) {
			var start natsfused.StartMsg
			if err := json.Unmarshal(m.Data, &start); err != nil {
				reply(m, natsfused.Reply{Error: err.Error()})
				return
			}
			stop := make(chan struct{})
			mu.Lock()
			streams[start.Id] = stop
			mu.Unlock()
			log.Info().Str("id", start.Id).Dur("interval", start.Request.Interval).Msg("stream started")
			interval := start.Request.Interval
			if interval <= 0 {
				interval = 5 * time.Second
			}
			go func() {
				t := time.NewTicker(interval)
				defer t.Stop()
				for {
					select {
					case <-stop:
						return
					case <-t.C:
						d, _ := json.Marshal(w.step())
						if err := nc.Publish(start.Subject, d); err != nil {
							log.Error().Err(err).Msg("publish failed")
						}
					}
				}
			}()
			reply(m, natsfused.Reply{})
		},
		natsfused.SUBJECT_STOP: func(m *nats.Msg) {
			var msg natsfused.StopMsg
			_ = json.Unmarshal(m.Data, &msg)
			mu.Lock()
			if stop, ok := streams[msg.Id]; ok {
				close(stop)
				delete(streams, msg.Id)
			}
			mu.Unlock()
			log.Info().Str("id", msg.Id).Msg("stream stopped")
			reply(m, natsfused.Reply{})
		},
	}
	for s, h := range handlers {
		if _, err := nc.Subscribe(subj(s), h); err != nil {
			log.Fatal().Err(err).Str("subject", subj(s)).Msg("unable to subscribe")
		}
	}
	log.Info().Str("url", *url).Str("prefix", *prefix).Msg("fake fused service ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
