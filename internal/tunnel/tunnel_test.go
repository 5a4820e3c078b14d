package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, token string) (*Server, string) {
	t.Helper()
	tl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewServer(&ServerConfig{ExternalAddr: "127.0.0.1:0", Token: token, Retry: 10 * time.Millisecond})
	go s.Run(ctx, tl)
	return s, tl.Addr().String()
}

func TestForward(t *testing.T) {
	s, addr := startServer(t, "secret")
	l, err := Dial(context.Background(), addr, "secret", nil)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err != nil {
					return
				}
				fmt.Fprintf(c, "%s from %s\n", line[:len(line)-1], c.RemoteAddr())
			}(c)
		}
	}()

	require.Eventually(t, func() bool { return s.ExternalAddr() != nil }, time.Second, 5*time.Millisecond)
	ext, err := net.Dial("tcp", s.ExternalAddr().String())
	require.NoError(t, err)
	defer ext.Close()
	fmt.Fprint(ext, "ping\n")
	ext.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(ext).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping from "+ext.LocalAddr().String()+"\n", reply)
}

func TestRejectedToken(t *testing.T) {
	_, addr := startServer(t, "secret")
	_, err := Dial(context.Background(), addr, "wrong", nil)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestTokenTooLong(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", "0123456789abcdefghijk", nil)
	assert.Error(t, err)
}

func TestExternalClosedWithSession(t *testing.T) {
	s, addr := startServer(t, "secret")
	l, err := Dial(context.Background(), addr, "secret", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ExternalAddr() != nil }, time.Second, 5*time.Millisecond)
	l.Close()
	assert.Eventually(t, func() bool { return s.ExternalAddr() == nil }, 2*time.Second, 5*time.Millisecond)
}
