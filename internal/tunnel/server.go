package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

const (
	TUNNEL_ACCEPTED = "tunnel_accepted"
	TUNNEL_REJECTED = "tunnel_rejected"
	TUNNEL_CLOSED   = "tunnel_closed"
	STREAM_OPENED   = "stream_opened"
)

const maxToken = 20

type ServerConfig struct {
	// ExternalAddr is where outside clients connect once a daemon holds the tunnel.
	ExternalAddr string
	Token        string
	Retry        time.Duration
}

// Server accepts one daemon session at a time on the tunnel listener and
// forwards every external connection to it as a yamux stream.
type Server struct {
	log      log.Logger
	config   *ServerConfig
	mu       sync.Mutex
	external net.Listener
}

func NewServer(config *ServerConfig) *Server {
	s := &Server{config: config}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "tunnel-server").Value()
	if s.config.Retry == 0 {
		s.config.Retry = 2 * time.Second
	}
	return s
}

// ExternalAddr returns the bound external address while a session is up.
func (s *Server) ExternalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.external == nil {
		return nil
	}
	return s.external.Addr()
}

// Run serves sessions from tl until ctx is done or tl fails.
func (s *Server) Run(ctx context.Context, tl net.Listener) error {
	go func() {
		<-ctx.Done()
		tl.Close()
	}()
	for {
		yconn, err := tl.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.log.Info().Str("remote", yconn.RemoteAddr().String()).Msg("accepting tunnel connection")
		if err := s.serve(ctx, yconn); err != nil {
			s.log.Error().Err(err).Msg("tunnel session ended")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.Retry):
		}
	}
}

func (s *Server) authenticate(yconn net.Conn) bool {
	token := make([]byte, maxToken)
	yconn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := yconn.Read(token)
	yconn.SetReadDeadline(time.Time{})
	if err != nil || s.config.Token != string(token[:n]) {
		s.log.Warn().Str("event", TUNNEL_REJECTED).Str("remote", yconn.RemoteAddr().String()).Msg("")
		_, _ = yconn.Write([]byte{'-'})
		return false
	}
	_, err = yconn.Write([]byte{'+'})
	return err == nil
}

func (s *Server) serve(ctx context.Context, yconn net.Conn) error {
	defer yconn.Close()
	if !s.authenticate(yconn) {
		return nil
	}
	session, err := yamux.Server(yconn, nil)
	if err != nil {
		return fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()
	s.log.Info().Str("event", TUNNEL_ACCEPTED).Str("remote", yconn.RemoteAddr().String()).Msg("")

	ln, err := net.Listen("tcp", s.config.ExternalAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.external = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.external = nil
		s.mu.Unlock()
		s.log.Info().Str("event", TUNNEL_CLOSED).Msg("closing external listener")
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-session.CloseChan():
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if session.IsClosed() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.forward(session, conn)
	}
}

func (s *Server) forward(session *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := session.OpenStream()
	if err != nil {
		s.log.Error().Err(err).Msg("error trying to open stream")
		return
	}
	s.log.Debug().Str("event", STREAM_OPENED).Uint32("stream", tstream.StreamID()).Str("remote", conn.RemoteAddr().String()).Msg("")
	c := make(chan error, 1)
	go func() {
		fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr())
		_, err := io.Copy(tstream, conn)
		tstream.Close()
		c <- err
	}()
	if _, err := io.Copy(conn, tstream); err != nil {
		s.log.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("error copying from stream")
	}
	conn.Close()
	<-c
}
