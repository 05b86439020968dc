package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	xerrors "Enclosure-Core/internal/errors"
)

// RedisConfig describes the Redis pub/sub connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Redis carries subjects as Redis pub/sub channels.
type Redis struct {
	client *redis.Client
	retry  RetryConfig
	inbox  *Inbox
	log    *slog.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	patterns []string
	wg       sync.WaitGroup
}

// NewRedis creates the driver without connecting.
func NewRedis(cfg RedisConfig, retryCfg RetryConfig, inbox *Inbox, log *slog.Logger) (*Redis, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "redis address is required")
	}
	if inbox == nil {
		inbox = NewInbox(0)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, retry: retryCfg, inbox: inbox, log: log}, nil
}

func (r *Redis) Connect(ctx context.Context) error {
	err := retry(ctx, r.retry, r.log, "redis ping", func() error {
		return r.client.Ping(ctx).Err()
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "connect redis")
	}
	return nil
}

// redisPattern widens a subject pattern to Redis glob syntax. Redis "*"
// crosses slashes, so matches are filtered again on receipt.
func redisPattern(p string) string {
	return strings.ReplaceAll(p, "**", "*")
}

func (r *Redis) Subscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	globs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		globs = append(globs, redisPattern(p))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, patterns...)

	if r.pubsub != nil {
		if err := r.pubsub.PSubscribe(ctx, globs...); err != nil {
			return xerrors.Wrap(xerrors.CodeBusFailure, err, "redis psubscribe")
		}
		return nil
	}

	ps := r.client.PSubscribe(ctx, globs...)
	for range globs {
		reply, err := ps.Receive(ctx)
		if err != nil {
			_ = ps.Close()
			return xerrors.Wrap(xerrors.CodeBusFailure, err, "redis psubscribe")
		}
		if msg, ok := reply.(*redis.Message); ok {
			r.deliver(msg, patterns)
		}
	}
	r.pubsub = ps
	r.wg.Add(1)
	go r.read(ps.Channel())
	return nil
}

func (r *Redis) read(ch <-chan *redis.Message) {
	defer r.wg.Done()
	for msg := range ch {
		r.mu.Lock()
		patterns := r.patterns
		r.mu.Unlock()
		r.deliver(msg, patterns)
	}
}

func (r *Redis) deliver(msg *redis.Message, patterns []string) {
	if !MatchAny(patterns, msg.Channel) {
		return
	}
	if err := r.inbox.Put(NewMessage(msg.Channel, []byte(msg.Payload))); err != nil {
		r.log.Debug("inbound message dropped", "subject", msg.Channel, "error", err)
	}
}

func (r *Redis) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := r.client.Publish(ctx, subject, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeBusFailure, err, "redis publish "+subject)
	}
	return nil
}

func (r *Redis) Inbox() *Inbox { return r.inbox }

func (r *Redis) Close() error {
	r.mu.Lock()
	ps := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	r.wg.Wait()
	r.inbox.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
