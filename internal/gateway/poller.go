package gateway

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Poller issues long-polling-style GET requests against the chat
// platform's update endpoint on an interval, decoding and dispatching
// whatever the platform hands back. It is the bot.mode=polling half of
// §6's bot configuration.
type Poller struct {
	client      *resty.Client
	updatesPath string
	decoder     Decoder
	dispatch    Dispatcher
	interval    time.Duration
	log         *logrus.Logger
}

// NewPoller builds a Poller against baseURL, polling updatesPath every
// interval.
func NewPoller(baseURL, updatesPath string, interval time.Duration, decoder Decoder, dispatch Dispatcher, log *logrus.Logger) *Poller {
	return &Poller{
		client:      resty.New().SetBaseURL(baseURL),
		updatesPath: updatesPath,
		decoder:     decoder,
		dispatch:    dispatch,
		interval:    interval,
		log:         log,
	}
}

// Run polls until ctx is canceled. A fetch or decode failure is logged
// and the loop continues at the next interval tick; one bad update
// never stops the poller.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	resp, err := p.client.R().SetContext(ctx).Get(p.updatesPath)
	if err != nil {
		p.log.WithError(err).Warn("gateway: poll request failed")
		return
	}
	if resp.IsError() {
		p.log.WithField("status", resp.StatusCode()).Warn("gateway: poll returned error status")
		return
	}

	update, err := p.decoder.Decode(resp.Body())
	if err != nil {
		p.log.WithError(err).Warn("gateway: decode polled update failed")
		return
	}
	dispatch(ctx, p.dispatch, update)
}
