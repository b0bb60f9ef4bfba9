package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Handler processes one claimed message. Returning nil completes the message;
// returning an error fails it against the message's attempt budget. Wrap the
// error with Permanent to bury the message immediately, or return a Deferral
// to reschedule it without consuming an attempt.
type Handler func(ctx context.Context, msg *Message) error

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the consumer buries the message instead of retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Deferral asks the consumer to reschedule the message after Delay without
// consuming an attempt. Not a failure.
type Deferral struct {
	Delay time.Duration
}

func (d *Deferral) Error() string {
	return fmt.Sprintf("deferred for %s", d.Delay)
}

// Consumer runs a bounded pool of handlers against one topic.
type Consumer struct {
	queue       *Queue
	topic       string
	handler     Handler
	concurrency int
	connStr     string

	stopCh   chan struct{}
	notifyCh chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConsumer creates a consumer pool for a topic. connStr is used for the
// LISTEN connection that wakes idle handlers when new messages arrive; an
// empty connStr disables wake-ups and the pool falls back to polling.
func NewConsumer(q *Queue, topic string, concurrency int, connStr string, handler Handler) *Consumer {
	if q == nil {
		panic("queue is required")
	}
	if handler == nil {
		panic("handler is required")
	}
	if concurrency < 1 {
		panic("concurrency must be at least 1")
	}

	return &Consumer{
		queue:       q,
		topic:       topic,
		handler:     handler,
		concurrency: concurrency,
		connStr:     connStr,
		stopCh:      make(chan struct{}),
		notifyCh:    make(chan struct{}, 1),
	}
}

// Start launches the handler pool and the notification listener.
func (c *Consumer) Start(ctx context.Context) {
	log.Info().
		Str("topic", c.topic).
		Int("concurrency", c.concurrency).
		Msg("Starting queue consumer")

	c.wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go c.worker(ctx, i)
	}

	if c.connStr != "" {
		c.wg.Add(1)
		go c.listenForNotifications(ctx)
	}
}

// Stop shuts the pool down and waits for in-flight handlers to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	log.Debug().Str("topic", c.topic).Msg("Queue consumer stopped")
}

// worker claims and handles messages until stopped, backing off while the
// topic is quiet.
func (c *Consumer) worker(ctx context.Context, workerID int) {
	defer c.wg.Done()

	consecutiveEmpty := 0
	baseSleep := 200 * time.Millisecond
	maxSleep := 30 * time.Second

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.queue.Claim(ctx, c.topic)
		if err != nil {
			log.Error().Err(err).
				Str("topic", c.topic).
				Int("worker_id", workerID).
				Msg("Failed to claim message")
			if !c.sleep(baseSleep) {
				return
			}
			continue
		}

		if msg == nil {
			consecutiveEmpty++
			sleep := time.Duration(float64(baseSleep) * math.Pow(1.5, float64(min(consecutiveEmpty, 10))))
			if sleep > maxSleep {
				sleep = maxSleep
			}
			select {
			case <-time.After(sleep):
			case <-c.notifyCh:
				consecutiveEmpty = 0
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		consecutiveEmpty = 0
		c.handle(ctx, msg)
	}
}

// handle runs the handler for one message and settles it with the queue.
func (c *Consumer) handle(ctx context.Context, msg *Message) {
	err := c.handler(ctx, msg)
	if err == nil {
		if completeErr := c.queue.Complete(ctx, msg.ID); completeErr != nil {
			log.Error().Err(completeErr).Str("message_id", msg.ID).Msg("Failed to complete message")
		}
		return
	}

	var deferral *Deferral
	if errors.As(err, &deferral) {
		if reschedErr := c.queue.Reschedule(ctx, msg, deferral.Delay); reschedErr != nil {
			log.Error().Err(reschedErr).Str("message_id", msg.ID).Msg("Failed to reschedule message")
		}
		return
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		log.Warn().Err(permanent.Err).
			Str("topic", c.topic).
			Str("message_id", msg.ID).
			Msg("Burying message after permanent failure")
		if buryErr := c.queue.FailPermanently(ctx, msg.ID, permanent.Err); buryErr != nil {
			log.Error().Err(buryErr).Str("message_id", msg.ID).Msg("Failed to bury message")
		}
		return
	}

	retried, failErr := c.queue.Fail(ctx, msg, err)
	if failErr != nil {
		log.Error().Err(failErr).Str("message_id", msg.ID).Msg("Failed to record message failure")
		return
	}
	log.Warn().Err(err).
		Str("topic", c.topic).
		Str("message_id", msg.ID).
		Int("attempts_made", msg.AttemptsMade).
		Int("attempts_max", msg.AttemptsMax).
		Bool("will_retry", retried).
		Msg("Message handler failed")
}

// listenForNotifications wakes idle workers when new messages are announced
// via pg_notify.
func (c *Consumer) listenForNotifications(ctx context.Context) {
	defer c.wg.Done()

	listener := pq.NewListener(c.connStr,
		10*time.Second, // Min reconnect interval
		time.Minute,    // Max reconnect interval
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Queue notification error")
			}
		})
	defer listener.Close()

	if err := listener.Listen(notifyChannel); err != nil {
		log.Error().Err(err).Msg("Failed to start listening for queue notifications")
		return
	}

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				log.Warn().Msg("Queue notification connection lost")
				continue
			}
			if n.Extra != "" && n.Extra != c.topic {
				continue
			}
			select {
			case c.notifyCh <- struct{}{}:
			default:
				// Notification already pending
			}
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				log.Error().Err(err).Msg("Queue notification connection lost")
				return
			}
		}
	}
}

func (c *Consumer) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}
