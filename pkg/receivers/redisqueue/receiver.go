// Package redisqueue consumes submissions pushed onto a Redis list by the intake layer.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leadroute/leadroute/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const (
	DefaultQueue        = "leadroute:submissions"
	DefaultBlockTimeout = time.Second
	DefaultErrorPause   = time.Second
	processingSuffix    = ":processing"
)

// Submitter hands a submission to the routing pipeline.
type Submitter interface {
	Submit(ctx context.Context, submission models.Submission, source string) (*models.Submission, error)
}

// Config configures the receiver. Producers LPUSH JSON encoded submissions onto Queue.
type Config struct {
	Queue        string
	BlockTimeout time.Duration
	// ErrorPause is how long consumption pauses after a failed message.
	ErrorPause time.Duration
	// IsPermanent reports submit errors that retrying cannot fix; such messages are dropped.
	IsPermanent func(error) bool
}

// Receiver moves each message into a processing list before handing it on, so a crash leaves it
// recoverable. Delivery is at-least-once; the ledger absorbs duplicates.
type Receiver struct {
	client     redis.UniversalClient
	submitter  Submitter
	queue      string
	processing string
	timeout    time.Duration
	pause      time.Duration
	permanent  func(error) bool
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient opens a Redis client from a redis:// URL and checks the connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func NewReceiver(client redis.UniversalClient, submitter Submitter, config Config, logger *slog.Logger) *Receiver {
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}

	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}

	if config.ErrorPause <= 0 {
		config.ErrorPause = DefaultErrorPause
	}

	if config.IsPermanent == nil {
		config.IsPermanent = func(error) bool { return false }
	}

	return &Receiver{
		client:     client,
		submitter:  submitter,
		queue:      config.Queue,
		processing: config.Queue + processingSuffix,
		timeout:    config.BlockTimeout,
		pause:      config.ErrorPause,
		permanent:  config.IsPermanent,
		logger:     logger.With("module", "redis_receiver", "queue", config.Queue),
	}
}

// Start requeues messages left in the processing list by a previous run and starts consuming.
func (r *Receiver) Start(ctx context.Context) error {
	recovered, err := r.Recover(ctx)
	if err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "Starting Redis receiver", "recovered", recovered)

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)

	go r.consume(ctx)

	return nil
}

// Recover moves every message of the processing list back onto the queue.
func (r *Receiver) Recover(ctx context.Context) (int, error) {
	recovered := 0

	for {
		err := r.client.LMove(ctx, r.processing, r.queue, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return recovered, nil
		}

		if err != nil {
			return recovered, fmt.Errorf("failed to recover processing list: %w", err)
		}

		recovered++
	}
}

func (r *Receiver) consume(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Redis receiver stopped")

			return
		default:
			_, err := r.ProcessNext(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "Error processing message", "error", err)

				select {
				case <-ctx.Done():
				case <-time.After(r.pause):
				}
			}
		}
	}
}

// ProcessNext waits up to the block timeout for one message and hands it on. It reports whether a
// message was taken.
func (r *Receiver) ProcessNext(ctx context.Context) (bool, error) {
	raw, err := r.client.BLMove(ctx, r.queue, r.processing, "RIGHT", "LEFT", r.timeout).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to take message from queue: %w", err)
	}

	var submission models.Submission

	err = json.Unmarshal([]byte(raw), &submission)
	if err != nil {
		r.logger.WarnContext(ctx, "dropping undecodable message", "error", err)

		return true, r.ack(ctx, raw)
	}

	_, err = r.submitter.Submit(ctx, submission, "redis")
	if err != nil {
		if r.permanent(err) {
			r.logger.WarnContext(ctx, "dropping invalid submission", "submission_id", submission.ID, "error", err)

			return true, r.ack(ctx, raw)
		}

		requeueErr := r.requeue(context.WithoutCancel(ctx), raw)
		if requeueErr != nil {
			return true, errors.Join(err, requeueErr)
		}

		return true, fmt.Errorf("failed to submit %s, requeued: %w", submission.ID, err)
	}

	return true, r.ack(ctx, raw)
}

func (r *Receiver) ack(ctx context.Context, raw string) error {
	err := r.client.LRem(context.WithoutCancel(ctx), r.processing, 1, raw).Err()
	if err != nil {
		return fmt.Errorf("failed to remove message from processing list: %w", err)
	}

	return nil
}

// requeue puts the message back behind every queued message, so a failing submission does not
// hold up the rest of the queue.
func (r *Receiver) requeue(ctx context.Context, raw string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.processing, 1, raw)
		pipe.LPush(ctx, r.queue, raw)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}

	return nil
}

func (r *Receiver) Stop(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Stopping Redis receiver")

	if r.cancel != nil {
		r.cancel()
	}

	r.wg.Wait()

	return r.client.Close()
}
