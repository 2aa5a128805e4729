package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Publisher sends events to a Pub/Sub topic. The client is created on
// first use.
type Publisher struct {
	projectID string
	topicID   string
	credsFile string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, topicID, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, topicID: topicID, credsFile: credsFile}
}

func (p *Publisher) ensureTopic(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	var (
		client *gpubsub.Client
		err    error
	)
	if p.credsFile != "" {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.topicID).Str("credsFile", p.credsFile).Msg("initializing pubsub publisher with explicit credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID, option.WithCredentialsFile(p.credsFile))
	} else {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.topicID).Msg("initializing pubsub publisher with default credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.topicID).Msg("failed to create pubsub client for publisher")
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.topicID)
	log.Info().Str("topic", p.topicID).Msg("pubsub publisher initialized")
	return p.topic, nil
}

func (p *Publisher) Notify(ctx context.Context, ev Event) error {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return err
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	r := topic.Publish(ctx, &gpubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"topic":    ev.Topic,
			"severity": string(ev.Severity),
		},
	})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("topic", ev.Topic).Msg("failed to publish admin notification")
		return err
	}
	log.Debug().Str("messageID", id).Str("topic", ev.Topic).Msg("published admin notification")
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
