package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Stream is the bot.mode alternative to Poller for chat platforms that
// push updates over a persistent socket rather than answering a
// polling GET. Modeled on the teacher's Hub/Client pair
// (websocket_handler.go), but this process is the *client* of the
// platform's gateway, not a server of browser clients.
type Stream struct {
	url      string
	decoder  Decoder
	dispatch Dispatcher
	log      *logrus.Logger
}

// NewStream builds a Stream dialing url.
func NewStream(url string, decoder Decoder, dispatch Dispatcher, log *logrus.Logger) *Stream {
	return &Stream{
		url:      url,
		decoder:  decoder,
		dispatch: dispatch,
		log:      log,
	}
}

// Run dials and reads frames until ctx is canceled, reconnecting with
// exponential backoff (capped at 30s) on every drop.
func (s *Stream) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			s.log.WithError(err).Warn("gateway: stream connection dropped")
		}
		if ctx.Err() != nil {
			return
		}

		delay := backoff(attempt)
		attempt++
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func backoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// runOnce owns one connection's lifetime: dial, read loop, clean
// close. It returns when the connection drops or ctx is canceled.
func (s *Stream) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		update, decErr := s.decoder.Decode(raw)
		if decErr != nil {
			s.log.WithError(decErr).Warn("gateway: decode streamed frame failed")
			continue
		}
		dispatch(ctx, s.dispatch, update)

		select {
		case <-done:
			return nil
		default:
		}
	}
}
