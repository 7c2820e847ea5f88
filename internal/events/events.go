// Package events publishes domain events to Kafka on a best-effort
// basis after a match-engine transaction has already committed. A
// publish failure is logged, never surfaced to the caller: the
// database row is the source of truth, the Kafka topic is a fan-out
// for downstream consumers (analytics, logs topic notifications).
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/shopmindai/pingpongbot/internal/domain"
)

// Kind discriminates the event envelope's payload.
type Kind string

const (
	KindMatchRegistered Kind = "match_registered"
	KindMatchUndone     Kind = "match_undone"
)

// Envelope is the wire shape written to the matches-events topic.
type Envelope struct {
	Kind      Kind      `json:"kind"`
	MatchID   int64     `json:"matchId"`
	GroupID   int64     `json:"groupId"`
	Player1ID int64     `json:"player1Id"`
	Player2ID int64     `json:"player2Id"`
	Score1    int       `json:"score1"`
	Score2    int       `json:"score2"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Publisher writes Envelope rows to Kafka, implementing
// matchengine.EventPublisher.
type Publisher struct {
	writer *kafka.Writer
	log    *logrus.Logger
}

// New builds a Publisher against the matches-events topic.
func New(brokers []string, log *logrus.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        "pingpongbot.matches",
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			Compression:  kafka.Snappy,
		},
		log: log,
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error { return p.writer.Close() }

// PublishMatchRegistered implements matchengine.EventPublisher.
func (p *Publisher) PublishMatchRegistered(ctx context.Context, m *domain.Match) {
	p.publish(ctx, Envelope{
		Kind:      KindMatchRegistered,
		MatchID:   m.ID,
		GroupID:   m.GroupID,
		Player1ID: m.Player1ID,
		Player2ID: m.Player2ID,
		Score1:    m.Score1,
		Score2:    m.Score2,
		EmittedAt: time.Now(),
	})
}

// PublishMatchUndone implements matchengine.EventPublisher.
func (p *Publisher) PublishMatchUndone(ctx context.Context, m *domain.Match) {
	p.publish(ctx, Envelope{
		Kind:      KindMatchUndone,
		MatchID:   m.ID,
		GroupID:   m.GroupID,
		Player1ID: m.Player1ID,
		Player2ID: m.Player2ID,
		Score1:    m.Score1,
		Score2:    m.Score2,
		EmittedAt: time.Now(),
	})
}

func (p *Publisher) publish(ctx context.Context, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		p.log.WithError(err).WithField("kind", env.Kind).Warn("events: marshal envelope")
		return
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		p.log.WithError(err).WithField("kind", env.Kind).Warn("events: publish to kafka")
	}
}
