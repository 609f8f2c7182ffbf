// Package bus is the durable publish/subscribe layer between message
// persistence and its consumers. Exchanges and routing keys map onto Redis
// streams; each queue is a consumer group on its stream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	fieldEnvelope  = "envelope"
	fieldAttempt   = "attempt"
	fieldError     = "error"
	fieldSource    = "source"
	fieldNotBefore = "not_before"

	readCount = 16
)

// Handler processes one envelope. A non-nil error requeues the entry until
// MaxAttempts is reached, after which it is dead-lettered.
type Handler func(ctx context.Context, env Envelope) error

type Options struct {
	MaxAttempts    int
	BlockTimeout   time.Duration
	StreamMaxLen   int64
	HealthInterval time.Duration
	// RetryDelay is the wait before the first redelivery of a failed entry.
	// Later attempts back off exponentially up to RetryMaxDelay.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	// Consumer names this process inside every consumer group. It must be
	// stable across restarts for pending entries to be reclaimed.
	Consumer string
	Logger   zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 2 * time.Second
	}
	if o.StreamMaxLen <= 0 {
		o.StreamMaxLen = 100_000
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.RetryMaxDelay < o.RetryDelay {
		o.RetryMaxDelay = max(30*time.Second, o.RetryDelay)
	}
	if o.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "deskline"
		}
		o.Consumer = host
	}
	return o
}

type Bus struct {
	client  *redis.Client
	opts    Options
	log     zerolog.Logger
	metrics *Metrics

	ready     atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}

	wg sync.WaitGroup
}

func New(client *redis.Client, opts Options) *Bus {
	opts = opts.withDefaults()
	return &Bus{
		client:  client,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "bus").Logger(),
		metrics: GetMetrics(),
		readyCh: make(chan struct{}),
	}
}

func NewFromURL(redisURL string, opts Options) (*Bus, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(redisOpts), opts), nil
}

func (b *Bus) Client() *redis.Client {
	return b.client
}

// Start connects in the background and then watches connection health.
// It never blocks the caller.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if !b.connect(ctx) {
			return
		}
		b.healthLoop(ctx)
	}()
}

func (b *Bus) IsReady() bool {
	return b.ready.Load()
}

// Ready is closed after the first successful connection.
func (b *Bus) Ready() <-chan struct{} {
	return b.readyCh
}

func (b *Bus) connect(ctx context.Context) bool {
	for ctx.Err() == nil {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 250 * time.Millisecond
		policy.MaxInterval = 30 * time.Second

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, b.client.Ping(ctx).Err()
		},
			backoff.WithBackOff(policy),
			backoff.WithMaxElapsedTime(5*time.Minute),
			backoff.WithNotify(func(err error, next time.Duration) {
				b.log.Warn().Err(err).Dur("retry_in", next).Msg("bus connect failed")
			}),
		)
		if err != nil {
			continue
		}

		b.declare(ctx, Topology())
		b.markReady(true)
		b.log.Info().Msg("bus connected")
		return true
	}
	return false
}

func (b *Bus) markReady(ready bool) {
	b.ready.Store(ready)
	if ready {
		b.readyOnce.Do(func() { close(b.readyCh) })
	}
}

func (b *Bus) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.client.Ping(ctx).Err()
			switch {
			case err != nil && b.IsReady():
				b.markReady(false)
				b.log.Warn().Err(err).Msg("bus connection lost")
			case err == nil && !b.IsReady():
				b.declare(ctx, Topology())
				b.markReady(true)
				b.log.Info().Msg("bus reconnected")
			}
		}
	}
}

// declare creates the consumer groups so entries published before a
// consumer attaches are retained for it. It runs again on every reconnect
// because Redis may come back without its data.
func (b *Bus) declare(ctx context.Context, bindings []Binding) {
	for _, binding := range bindings {
		for _, stream := range binding.streams() {
			if err := b.ensureGroup(ctx, stream, binding.Queue); err != nil {
				b.log.Warn().Err(err).Str("queue", binding.Queue).Msg("declare queue failed")
			}
		}
	}
}

func (b *Bus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Publish appends env to the exchange stream. It reports false instead of
// failing when the bus is unavailable.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, env Envelope) bool {
	logger := b.log.With().Str("exchange", exchange).Str("routing_key", routingKey).Logger()
	if !b.IsReady() {
		b.metrics.publishFailed(ctx, exchange, routingKey)
		logger.Warn().Msg("bus not ready, dropping envelope")
		return false
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.metrics.publishFailed(ctx, exchange, routingKey)
		logger.Error().Err(err).Msg("marshal envelope")
		return false
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(exchange, routingKey),
		MaxLen: b.opts.StreamMaxLen,
		Approx: true,
		Values: map[string]any{fieldEnvelope: string(data), fieldAttempt: 1},
	}).Err()
	if err != nil {
		b.metrics.publishFailed(ctx, exchange, routingKey)
		logger.Warn().Err(err).Msg("publish failed")
		return false
	}
	b.metrics.published(ctx, exchange, routingKey)
	return true
}

// Consume processes the binding's queue until ctx is cancelled. Entries left
// pending by a previous run are handled before new ones.
func (b *Bus) Consume(ctx context.Context, binding Binding, handler Handler) error {
	streams := binding.streams()
	for _, stream := range streams {
		if err := b.ensureGroup(ctx, stream, binding.Queue); err != nil {
			return err
		}
	}

	logger := b.log.With().Str("queue", binding.Queue).Logger()
	ctx = logger.WithContext(ctx)

	for ctx.Err() == nil {
		n, err := b.read(ctx, binding, streams, "0", handler)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	for ctx.Err() == nil {
		if _, err := b.read(ctx, binding, streams, ">", handler); err != nil {
			// A group that vanished with the Redis data is recreated by
			// restarting the consumer.
			if isNoGroup(err) {
				return err
			}
			logger.Warn().Err(err).Msg("read queue failed")
			if !sleep(ctx, b.opts.BlockTimeout) {
				break
			}
		}
	}
	return nil
}

// ConsumeWhenReady runs Consume in the background once the bus has
// connected. It restarts the consumer if it stops with an error.
func (b *Bus) ConsumeWhenReady(ctx context.Context, binding Binding, handler Handler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-b.Ready():
		}
		for ctx.Err() == nil {
			err := b.Consume(ctx, binding, handler)
			if err == nil {
				return
			}
			b.log.Warn().Err(err).Str("queue", binding.Queue).Msg("consumer stopped, restarting")
			if !sleep(ctx, b.opts.BlockTimeout) {
				return
			}
		}
	}()
}

// Wait blocks until every background goroutine started by the bus exits.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) Close() error {
	return b.client.Close()
}

func (b *Bus) read(ctx context.Context, binding Binding, streams []string, id string, handler Handler) (int, error) {
	block := b.opts.BlockTimeout
	if id != ">" {
		block = -1
	}
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = id
	}

	result, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    binding.Queue,
		Consumer: b.opts.Consumer,
		Streams:  append(append([]string{}, streams...), ids...),
		Count:    readCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", binding.Queue, err)
	}

	handled := 0
	for _, stream := range result {
		for _, msg := range stream.Messages {
			b.dispatch(ctx, binding, stream.Stream, msg, handler)
			handled++
		}
	}
	return handled, nil
}

func (b *Bus) dispatch(ctx context.Context, binding Binding, stream string, msg redis.XMessage, handler Handler) {
	logger := zerolog.Ctx(ctx).With().Str("entry", msg.ID).Logger()

	env, attempt, err := decodeEntry(msg)
	if err != nil {
		logger.Error().Err(err).Msg("undecodable entry")
		b.deadLetter(ctx, binding, stream, msg, attempt, err)
		return
	}

	if notBefore := entryNotBefore(msg); !notBefore.IsZero() {
		if wait := time.Until(notBefore); wait > 0 && !sleep(ctx, wait) {
			// Left pending; the next run picks it up.
			return
		}
	}

	handlerErr := handler(ctx, env)
	if handlerErr == nil {
		if err := b.client.XAck(ctx, stream, binding.Queue, msg.ID).Err(); err != nil {
			logger.Warn().Err(err).Msg("ack failed")
			return
		}
		b.metrics.AckedTotal.Add(ctx, 1, queueAttrs(binding.Queue))
		return
	}

	if attempt >= b.opts.MaxAttempts {
		logger.Error().Err(handlerErr).Int("attempt", attempt).Msg("handler failed, dead-lettering")
		b.deadLetter(ctx, binding, stream, msg, attempt, handlerErr)
		return
	}

	delay := b.retryDelay(attempt)
	logger.Warn().Err(handlerErr).Int("attempt", attempt).Dur("retry_in", delay).Msg("handler failed, requeueing")
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: RetryStreamName(binding.Queue),
			MaxLen: b.opts.StreamMaxLen,
			Approx: true,
			Values: map[string]any{
				fieldEnvelope:  msg.Values[fieldEnvelope],
				fieldAttempt:   attempt + 1,
				fieldNotBefore: time.Now().Add(delay).UnixMilli(),
			},
		})
		pipe.XAck(ctx, stream, binding.Queue, msg.ID)
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("requeue failed")
		return
	}
	b.metrics.RequeuedTotal.Add(ctx, 1, queueAttrs(binding.Queue))
}

func (b *Bus) deadLetter(ctx context.Context, binding Binding, stream string, msg redis.XMessage, attempt int, cause error) {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: DeadLetterStreamName(binding.Queue),
			MaxLen: b.opts.StreamMaxLen,
			Approx: true,
			Values: map[string]any{
				fieldEnvelope: msg.Values[fieldEnvelope],
				fieldAttempt:  attempt,
				fieldError:    cause.Error(),
				fieldSource:   stream,
			},
		})
		pipe.XAck(ctx, stream, binding.Queue, msg.ID)
		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("entry", msg.ID).Msg("dead-letter failed")
		return
	}
	b.metrics.DeadLetteredTotal.Add(ctx, 1, queueAttrs(binding.Queue))
}

// retryDelay is the wait after the given failed attempt: RetryDelay, then
// doubling up to RetryMaxDelay.
func (b *Bus) retryDelay(attempt int) time.Duration {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     b.opts.RetryDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         b.opts.RetryMaxDelay,
	}
	policy.Reset()
	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

func entryNotBefore(msg redis.XMessage) time.Time {
	raw, ok := msg.Values[fieldNotBefore].(string)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func decodeEntry(msg redis.XMessage) (Envelope, int, error) {
	attempt := 1
	if raw, ok := msg.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			attempt = n
		}
	}

	raw, ok := msg.Values[fieldEnvelope].(string)
	if !ok {
		return Envelope{}, attempt, errors.New("entry has no envelope")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, attempt, fmt.Errorf("decode envelope: %w", err)
	}
	return env, attempt, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
