package consumer

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/config"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 5

var errPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

func (e permanentError) Is(target error) bool { return target == errPermanent }

// Permanent marks err as not worth redelivering: the message is dropped after
// the first failed attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// handler processes one message.
type handler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// client is the part of *wbfkafka.Consumer the consumer loop needs.
type client interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Consumer fetches messages from Kafka and hands them to a fixed pool of
// workers. A failed message is redelivered to the handler according to the
// handler strategy and then dropped; it is committed either way.
type Consumer struct {
	Client *wbfkafka.Consumer

	client          client
	handler         handler
	topic           string
	concurrency     int
	strategy        retry.Strategy
	handlerStrategy retry.Strategy
}

// New creates a new Consumer.
// - cfg: Kafka configuration struct
// - s: retry strategy for fetch and commit
// - hs: redelivery policy for failed handler invocations
// - concurrency: maximum number of messages handled at once
// - h: message handler
func New(cfg *config.Kafka, s, hs retry.Strategy, concurrency int, h handler) *Consumer {
	c := wbfkafka.NewConsumer(cfg.Brokers, cfg.Topic, cfg.GroupID)

	consumer := newConsumer(c, h, s, hs, concurrency)
	consumer.Client = c
	consumer.topic = cfg.Topic

	return consumer
}

func newConsumer(c client, h handler, s, hs retry.Strategy, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if hs.Attempts <= 0 {
		hs.Attempts = 1
	}

	return &Consumer{
		client:          c,
		handler:         h,
		concurrency:     concurrency,
		strategy:        s,
		handlerStrategy: hs,
	}
}

// Consume fetches messages until ctx is canceled. At most concurrency
// messages are handled at any time. On shutdown it stops fetching and waits
// for in-flight messages to finish.
func (c *Consumer) Consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	zlog.Logger.Info().
		Str("topic", c.topic).
		Int("concurrency", c.concurrency).
		Msg("starting consumer")

	messages := make(chan kafka.Message)

	var workers sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		workers.Add(1)
		go c.worker(ctx, i, messages, &workers)
	}

	c.fetchLoop(ctx, messages)

	close(messages)
	workers.Wait()

	zlog.Logger.Info().Msg("consumer stopped")
}

func (c *Consumer) fetchLoop(ctx context.Context, out chan<- kafka.Message) {
	for {
		// Exit if context is canceled (graceful shutdown).
		if ctx.Err() != nil {
			zlog.Logger.Info().Msg("shutdown signal received, stopping consumer")
			return
		}

		// Fetch a message from Kafka with retries.
		var msg kafka.Message
		err := retry.Do(func() error {
			var fetchErr error
			msg, fetchErr = c.client.Fetch(ctx)
			return fetchErr
		}, c.strategy)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Log error and retry after a short backoff.
			zlog.Logger.Err(err).Msg("failed to fetch message")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			// Not committed, so it is redelivered after restart.
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context, id int, in <-chan kafka.Message, wg *sync.WaitGroup) {
	defer wg.Done()

	for msg := range in {
		c.safeHandle(ctx, id, msg)
	}
}

func (c *Consumer) safeHandle(ctx context.Context, worker int, msg kafka.Message) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Logger.Error().
				Int("worker", worker).
				Int64("offset", msg.Offset).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("worker recovered panic")
		}
	}()

	c.handle(ctx, worker, msg)
}

// handle runs the handler with redelivery and commits the message unless the
// consumer is shutting down. The closure returns nil to stop retry.Do once no
// further attempt will be made, so no backoff is slept after the last one.
func (c *Consumer) handle(ctx context.Context, worker int, msg kafka.Message) {
	var (
		attempt int
		err     error
	)
	_ = retry.Do(func() error {
		if ctx.Err() != nil {
			err = ctx.Err()
			return nil
		}

		attempt++
		err = c.handler.Handle(ctx, msg)
		if err != nil && errors.Is(err, errPermanent) {
			zlog.Logger.Err(err).
				Int64("offset", msg.Offset).
				Msg("permanent failure, dropping message")
			err = nil
			return nil
		}
		if err == nil {
			return nil
		}

		zlog.Logger.Warn().Err(err).
			Int("worker", worker).
			Int("attempt", attempt).
			Int("max_attempts", c.handlerStrategy.Attempts).
			Int64("offset", msg.Offset).
			Msg("failed to handle message")
		if attempt >= c.handlerStrategy.Attempts || ctx.Err() != nil {
			return nil
		}
		return err
	}, c.handlerStrategy)

	if ctx.Err() != nil && err != nil {
		zlog.Logger.Info().Int64("offset", msg.Offset).Msg("shutting down, leaving message uncommitted")
		return
	}
	if err != nil {
		zlog.Logger.Error().Err(err).
			Int64("offset", msg.Offset).
			Int("attempts", attempt).
			Msg("attempts exhausted, dropping message")
	}

	// Commit the message with retries.
	err = retry.Do(func() error {
		return c.client.Commit(context.WithoutCancel(ctx), msg)
	}, c.strategy)
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to commit message after retries")
		return
	}

	zlog.Logger.Info().
		Int("worker", worker).
		Int64("offset", msg.Offset).
		Msg("message handled")
}
