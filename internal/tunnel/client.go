package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

var ErrRejected = errors.New("tunnel token rejected")

type forwardedAddr string

func (a forwardedAddr) Network() string { return "tcp" }
func (a forwardedAddr) String() string  { return string(a) }

// streamConn is a tunnel stream whose remote address is the one announced by
// the tunnel server.
type streamConn struct {
	*yamux.Stream
	r      *bufio.Reader
	remote net.Addr
}

func (c *streamConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.remote
}

// Listener hands out the streams a tunnel server opens on its session.
type Listener struct {
	session *yamux.Session
}

// Dial connects to a tunnel server and authenticates with token. A nil tc
// dials in plain TCP.
func Dial(ctx context.Context, addr, token string, tc *tls.Config) (*Listener, error) {
	if len(token) > maxToken {
		return nil, fmt.Errorf("token longer than %d bytes", maxToken)
	}
	var conn net.Conn
	var err error
	if tc != nil {
		d := tls.Dialer{Config: tc}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return handshake(conn, token)
}

func handshake(conn net.Conn, token string) (*Listener, error) {
	if _, err := conn.Write([]byte(token)); err != nil {
		conn.Close()
		return nil, err
	}
	reply := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(reply); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	if reply[0] != '+' {
		conn.Close()
		return nil, ErrRejected
	}
	session, err := yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Listener{session: session}, nil
}

func (l *Listener) Accept() (net.Conn, error) {
	st, err := l.session.AcceptStream()
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(st)
	line, err := r.ReadString('\n')
	if err != nil {
		st.Close()
		return nil, err
	}
	return &streamConn{Stream: st, r: r, remote: forwardedAddr(strings.TrimSpace(line))}, nil
}

func (l *Listener) Close() error {
	return l.session.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.session.Addr()
}

type ClientConfig struct {
	Addr  string
	Token string
	TLS   bool
	Retry time.Duration
}

// Serve keeps a tunnel session to the server and runs serve on it, redialing
// after every failure until ctx is done.
func Serve(ctx context.Context, config *ClientConfig, serve func(net.Listener) error) {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "tunnel").Str("addr", config.Addr).Value()
	retry := config.Retry
	if retry == 0 {
		retry = 2 * time.Second
	}
	var tc *tls.Config
	if config.TLS {
		tc = &tls.Config{}
	}
	for {
		l, err := Dial(ctx, config.Addr, config.Token, tc)
		if err != nil {
			logger.Error().Err(err).Msg("unable to open tunnel")
		} else {
			logger.Info().Str("event", TUNNEL_ACCEPTED).Msg("")
			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
				case <-done:
				}
				l.Close()
			}()
			err = serve(l)
			close(done)
			logger.Info().Str("event", TUNNEL_CLOSED).Err(err).Msg("")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}
