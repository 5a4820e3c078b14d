package mqttnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/backend/basic"
	"nuha.dev/bestfix/internal/fix"
)

const (
	MQTT_CONNECTION_LOST string = "mqtt_connection_lost"
	MALFORMED_FIX        string = "malformed_fix"
)

var ErrNoPosition = errors.New("network fix without position")

type Config struct {
	Broker   string
	ClientId string
	Topic    string
	Qos      byte
}

// Message is what the network locator publishes. Time is optional and
// defaults to the receive time.
type Message struct {
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Accuracy  float64    `json:"accuracy"`
	Time      *time.Time `json:"time,omitempty"`
}

// Provider is the network provider: positions resolved by a network locator
// and published on an MQTT topic.
type Provider struct {
	mu     sync.Mutex
	log    log.Logger
	config Config
	client mqtt.Client
	ev     *basic.Events
	last   *fix.Fix
}

func New(config *Config) *Provider {
	p := &Provider{config: *config}
	if p.config.ClientId == "" {
		p.config.ClientId = "bestfix-network"
	}
	if p.config.Topic == "" {
		p.config.Topic = "location/network"
	}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "mqttnet").Str("topic", p.config.Topic).Value()
	return p
}

func (p *Provider) Name() string {
	return fix.SourceNetwork
}

func (p *Provider) Enabled() bool {
	return p.config.Broker != ""
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
	p.mu.Lock()
	p.ev = &ev
	p.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(p.config.Broker).
		SetClientID(p.config.ClientId).
		SetAutoReconnect(true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.config.Broker, token.Error())
	}
	token := client.Subscribe(p.config.Topic, p.config.Qos, p.onMessage)
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe %s: %w", p.config.Topic, token.Error())
	}
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

func (p *Provider) Stop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.ev = nil
	p.mu.Unlock()
	if client == nil {
		return
	}
	client.Unsubscribe(p.config.Topic).Wait()
	client.Disconnect(250)
}

func (p *Provider) events() *basic.Events {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ev
}

func (p *Provider) onConnect(_ mqtt.Client) {
	if ev := p.events(); ev != nil {
		ev.OnStatus(basic.StatusEnabled)
	}
}

func (p *Provider) onConnectionLost(_ mqtt.Client, err error) {
	p.log.Warn().Err(err).Str("event", MQTT_CONNECTION_LOST).Msg("")
	if ev := p.events(); ev != nil {
		ev.OnStatus(basic.StatusDisabled)
	}
}

func (p *Provider) onMessage(_ mqtt.Client, msg mqtt.Message) {
	f, err := Decode(msg.Payload(), time.Now())
	if err != nil {
		p.log.Warn().Err(err).Str("event", MALFORMED_FIX).Msg("")
		return
	}
	p.mu.Lock()
	p.last = &f
	ev := p.ev
	p.mu.Unlock()
	if ev != nil {
		ev.OnFix(f)
	}
}

// Decode turns a locator message into a network Fix stamped with now when
// the message carries no time.
func Decode(payload []byte, now time.Time) (fix.Fix, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return fix.Fix{}, err
	}
	if m.Latitude == nil || m.Longitude == nil {
		return fix.Fix{}, ErrNoPosition
	}
	f := fix.Fix{
		Latitude:  *m.Latitude,
		Longitude: *m.Longitude,
		Accuracy:  m.Accuracy,
		Time:      now,
		Source:    fix.SourceNetwork,
	}
	if m.Time != nil {
		f.Time = *m.Time
	}
	return f, nil
}
