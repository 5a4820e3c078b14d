package web

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WsSubscriber buffers sublist frames for one websocket client. Frames that
// do not fit are skipped.
type WsSubscriber struct {
	loc     chan []byte
	closed  uint32
	skipped uint64
	pushed  uint64
}

func newWsSubscriber(size int) *WsSubscriber {
	return &WsSubscriber{loc: make(chan []byte, size)}
}

func (wsub *WsSubscriber) Push(d []byte) bool {
	if atomic.LoadUint32(&wsub.closed) == 1 {
		return true
	}
	select {
	case wsub.loc <- d:
		atomic.AddUint64(&wsub.pushed, 1)
	default:
		atomic.AddUint64(&wsub.skipped, 1)
	}
	return false
}

func (wsub *WsSubscriber) close() {
	atomic.StoreUint32(&wsub.closed, 1)
}

func (api *Api) serveStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		api.log.Err(err).Msg("Error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	ctx := c.CloseRead(r.Context())
	wsub := newWsSubscriber(api.config.StreamBuffer)
	api.stream.Subscribe(wsub)
	defer func() {
		wsub.close()
		api.stream.Unsubscribe(wsub)
		api.log.Debug().Uint64("pushed", atomic.LoadUint64(&wsub.pushed)).Uint64("skipped", atomic.LoadUint64(&wsub.skipped)).Msg("stream client gone")
	}()

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case d := <-wsub.loc:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Write(wctx, websocket.MessageBinary, d)
			cancel()
			if err != nil {
				api.log.Err(err).Msg("Error while writing to connection")
				return
			}
		}
	}
}
