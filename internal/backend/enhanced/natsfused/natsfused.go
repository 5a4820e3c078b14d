package natsfused

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/bestfix/internal/backend"
	"nuha.dev/bestfix/internal/fix"
)

const (
	SUBJECT_VERSION = "version"
	SUBJECT_CURRENT = "current"
	SUBJECT_LAST    = "last"
	SUBJECT_START   = "updates.start"
	SUBJECT_STOP    = "updates.stop"
	SUBJECT_FIXES   = "updates.fix"
)

// Error codes a fused service may answer with.
const (
	CODE_PERMISSION_REVOKED = "permission_revoked"
	CODE_NO_FIX             = "no_fix"
)

var ErrNoFix = errors.New("fused service has no fix")

type Config struct {
	Url        string
	Prefix     string
	MinVersion int
	Timeout    time.Duration
}

// Reply is the envelope every fused service answer is wrapped in.
type Reply struct {
	Error   string   `json:"error,omitempty"`
	Version int      `json:"version,omitempty"`
	Fix     *fix.Fix `json:"fix,omitempty"`
}

type StartMsg struct {
	Id      string          `json:"id"`
	Subject string          `json:"subject"`
	Request backend.Request `json:"request"`
}

type StopMsg struct {
	Id string `json:"id"`
}

// Client implements enhanced.FusedClient over NATS request/reply.
type Client struct {
	mu     sync.Mutex
	log    log.Logger
	config Config
	nc     *nats.Conn
	sub    *nats.Subscription
	id     string
}

func New(config *Config) *Client {
	c := &Client{config: *config}
	if c.config.Prefix == "" {
		c.config.Prefix = "fused"
	}
	if c.config.Timeout <= 0 {
		c.config.Timeout = 2 * time.Second
	}
	c.log = log.DefaultLogger
	c.log.Context = log.NewContext(nil).Str("module", "natsfused").Str("url", c.config.Url).Value()
	return c
}

func (c *Client) subject(s string) string {
	return c.config.Prefix + "." + s
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		return nil
	}
	nc, err := nats.Connect(c.config.Url,
		nats.Name("bestfix"),
		nats.Timeout(c.config.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn().Err(err).Msg("fused service disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.log.Info().Msg("fused service reconnected")
		}))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	c.nc = nc
	return nil
}

func (c *Client) conn() (*nats.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil, backend.ErrNotConnected
	}
	return c.nc, nil
}

func (c *Client) request(ctx context.Context, subj string, payload interface{}) (*Reply, error) {
	nc, err := c.conn()
	if err != nil {
		return nil, err
	}
	var data []byte
	if payload != nil {
		if data, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	msg, err := nc.RequestWithContext(ctx, c.subject(subj), data)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", subj, err)
	}
	reply := &Reply{}
	if err = json.Unmarshal(msg.Data, reply); err != nil {
		return nil, fmt.Errorf("%s reply: %w", subj, err)
	}
	return reply, replyError(reply)
}

func replyError(r *Reply) error {
	switch r.Error {
	case "":
		return nil
	case CODE_PERMISSION_REVOKED:
		return backend.ErrPermissionRevoked
	case CODE_NO_FIX:
		return ErrNoFix
	default:
		return errors.New(r.Error)
	}
}

func (c *Client) fixRequest(ctx context.Context, subj string) (fix.Fix, error) {
	reply, err := c.request(ctx, subj, nil)
	if err != nil {
		return fix.Fix{}, err
	}
	if reply.Fix == nil {
		return fix.Fix{}, ErrNoFix
	}
	return *reply.Fix, nil
}

func (c *Client) CurrentLocation(ctx context.Context) (fix.Fix, error) {
	return c.fixRequest(ctx, SUBJECT_CURRENT)
}

func (c *Client) LastLocation(ctx context.Context) (fix.Fix, error) {
	return c.fixRequest(ctx, SUBJECT_LAST)
}

// Available reports whether the fused service answers and is at least
// MinVersion. It connects when needed.
func (c *Client) Available(ctx context.Context) bool {
	if err := c.Connect(ctx); err != nil {
		c.log.Info().Err(err).Msg("fused service not reachable")
		return false
	}
	reply, err := c.request(ctx, SUBJECT_VERSION, nil)
	if err != nil {
		c.log.Info().Err(err).Msg("fused service version check failed")
		return false
	}
	if reply.Version < c.config.MinVersion {
		c.log.Info().Int("version", reply.Version).Int("min_version", c.config.MinVersion).Msg("fused service outdated")
		return false
	}
	return true
}

// RequestUpdates subscribes to a private fix subject and asks the fused
// service to publish on it.
func (c *Client) RequestUpdates(req backend.Request, onFix func(f fix.Fix)) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	subj := c.subject(SUBJECT_FIXES + "." + id)
	sub, err := nc.Subscribe(subj, func(m *nats.Msg) {
		var f fix.Fix
		if err := json.Unmarshal(m.Data, &f); err != nil {
			c.log.Warn().Err(err).Msg("malformed fix from fused service")
			return
		}
		onFix(f)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj, err)
	}
	_, err = c.request(context.Background(), SUBJECT_START, &StartMsg{Id: id, Subject: subj, Request: req})
	if err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.id = id
	c.mu.Unlock()
	return nil
}

func (c *Client) RemoveUpdates() error {
	c.mu.Lock()
	sub, id := c.sub, c.id
	c.sub, c.id = nil, ""
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		c.log.Warn().Err(err).Msg("unsubscribe failed")
	}
	_, err := c.request(context.Background(), SUBJECT_STOP, &StopMsg{Id: id})
	return err
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
}
