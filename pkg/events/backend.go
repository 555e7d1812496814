package events

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Settings selects the event transport.
type Settings struct {
	RedisEnabled bool   `yaml:"redis-enabled"`
	RedisAddr    string `yaml:"redis-addr"`
}

// Backend owns the publisher and builds per-connection subscriptions.
type Backend interface {
	Publisher() message.Publisher
	// Subscribe returns the events of one conversation from now on. The
	// returned release func must be called once the consumer is done.
	Subscribe(ctx context.Context, convID string) (<-chan *message.Message, func(), error)
	Close() error
}

func NewBackend(s Settings, logger zerolog.Logger) (Backend, error) {
	wlogger := NewWatermillLogger(logger)
	if !s.RedisEnabled {
		return &goChannelBackend{ch: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wlogger)}, nil
	}
	if strings.TrimSpace(s.RedisAddr) == "" {
		return nil, errors.New("events: redis enabled without redis-addr")
	}
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, wlogger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis publisher")
	}
	return &redisBackend{client: client, pub: pub, logger: wlogger}, nil
}

type goChannelBackend struct {
	ch *gochannel.GoChannel
}

func (b *goChannelBackend) Publisher() message.Publisher { return b.ch }

func (b *goChannelBackend) Subscribe(ctx context.Context, convID string) (<-chan *message.Message, func(), error) {
	if strings.TrimSpace(convID) == "" {
		return nil, nil, errors.New("events: convID is empty")
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := b.ch.Subscribe(subCtx, TopicForConv(convID))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return ch, cancel, nil
}

func (b *goChannelBackend) Close() error { return b.ch.Close() }

type redisBackend struct {
	client *redis.Client
	pub    message.Publisher
	logger watermill.LoggerAdapter
}

func (b *redisBackend) Publisher() message.Publisher { return b.pub }

// Subscribe joins a fresh consumer group created at the stream tail, so each
// websocket sees every event published after it attached and no history.
func (b *redisBackend) Subscribe(ctx context.Context, convID string) (<-chan *message.Message, func(), error) {
	if strings.TrimSpace(convID) == "" {
		return nil, nil, errors.New("events: convID is empty")
	}
	topic := TopicForConv(convID)
	group := "ws-" + uuid.NewString()
	if err := b.client.XGroupCreateMkStream(ctx, topic, group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, nil, errors.Wrap(err, "events: create consumer group")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      group,
	}, b.logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "events: redis subscriber")
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		_ = sub.Close()
		return nil, nil, err
	}
	release := func() {
		cancel()
		_ = sub.Close()
		_ = b.client.XGroupDestroy(context.WithoutCancel(ctx), topic, group).Err()
	}
	return ch, release, nil
}

func (b *redisBackend) Close() error {
	err := b.pub.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
