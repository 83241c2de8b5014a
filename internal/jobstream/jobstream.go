// Package jobstream is the worker's consumer-group client for the job
// stream broker (Redis Streams): group bootstrap, claim-stuck recovery,
// block-read dispatch, and ACK discipline.
package jobstream

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
	"github.com/linuxmuster-net/dc-authority/internal/logging"
	"github.com/linuxmuster-net/dc-authority/internal/metrics"
)

const (
	// StreamKey is the key holding every provisioning/macct job message.
	StreamKey = "linbo:jobs"
	// GroupName is the consumer group every dc-authority-worker joins.
	GroupName = "dc-workers"
	// DLQKey receives messages a handler gives up on entirely.
	DLQKey = "linbo:jobs:dlq"

	fieldType        = "type"
	fieldOperationID = "operation_id"
	fieldAttempt     = "attempt"
	fieldHost        = "host"
	fieldSchool      = "school"
)

// Message pairs a decoded job with the stream entry ID it must be ACKed
// or claimed by.
type Message struct {
	ID  string
	Job jobs.Job
}

// Options configures a Consumer.
type Options struct {
	Addr         string
	Password     string
	DB           int
	Consumer     string
	BatchSize    int
	BlockTimeout time.Duration // default 5s
	StuckIdle    time.Duration // default 5 minutes
	StuckEvery   time.Duration // default 5 minutes
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.StuckIdle <= 0 {
		o.StuckIdle = 5 * time.Minute
	}
	if o.StuckEvery <= 0 {
		o.StuckEvery = 5 * time.Minute
	}
	return o
}

// Consumer reads from StreamKey under GroupName and dispatches to
// registered handlers.
type Consumer struct {
	rdb     *redis.Client
	opts    Options
	log     *logging.Logger
	handler func(ctx context.Context, msg Message) (ack bool)
}

// New creates a Consumer connected to the given Redis options.
func New(opts Options, log *logging.Logger) *Consumer {
	opts = opts.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Consumer{rdb: rdb, opts: opts, log: log}
}

// SetHandler installs the dispatch function. It must be set before Run.
// ack reports whether the message should be XACKed; a false return leaves
// the message pending for the next claim-stuck cycle or a future read.
func (c *Consumer) SetHandler(fn func(ctx context.Context, msg Message) (ack bool)) {
	c.handler = fn
}

// EnsureGroup creates GroupName on StreamKey, creating the stream itself
// if absent. It is idempotent: BUSYGROUP is treated as success.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, StreamKey, GroupName, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Run drives the claim-stuck/read/dispatch main loop until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("jobstream: no handler registered")
	}
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	stuckTicker := time.NewTicker(c.opts.StuckEvery)
	defer stuckTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stuckTicker.C:
			if err := c.claimStuck(ctx); err != nil {
				c.logWarn("claim-stuck failed", err)
			}
		default:
		}

		if err := c.readAndDispatch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isConnError(err) {
				c.logWarn("broker connection lost, reconnecting", err)
				sleep(ctx, 5*time.Second)
				continue
			}
			c.logWarn("read cycle error", err)
			sleep(ctx, 1*time.Second)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func isConnError(err error) bool {
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Consumer) readAndDispatch(ctx context.Context) error {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: c.opts.Consumer,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(c.opts.BatchSize),
		Block:    c.opts.BlockTimeout,
	}).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	for _, stream := range res {
		for _, entry := range stream.Messages {
			c.dispatch(ctx, entry)
		}
	}
	return nil
}

func (c *Consumer) claimStuck(ctx context.Context) error {
	start := "-"
	for {
		pending, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   StreamKey,
			Group:    GroupName,
			Consumer: c.opts.Consumer,
			MinIdle:  c.opts.StuckIdle,
			Start:    start,
			Count:    int64(c.opts.BatchSize),
		}).Result()
		if err != nil {
			return err
		}
		for _, entry := range pending {
			metrics.Get().RecordJobClaimed()
			c.dispatch(ctx, entry)
		}
		if len(pending) < c.opts.BatchSize {
			return nil
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, entry redis.XMessage) {
	job, err := decodeJob(entry.Values)
	if err != nil {
		c.logWarn("dropping undecodable message, acking", err)
		metrics.Get().RecordJobFailed("unknown", "undecodable")
		c.ack(ctx, entry.ID)
		return
	}
	metrics.Get().RecordJobConsumed(string(job.Type))
	ack := c.handler(ctx, Message{ID: entry.ID, Job: job})
	if ack {
		c.ack(ctx, entry.ID)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, StreamKey, GroupName, id).Err(); err != nil {
		c.logWarn("xack failed", err)
	}
}

// Ack exposes message acknowledgement to callers outside the dispatch
// loop (the provisioning batcher ACKs messages it drained itself).
func (c *Consumer) Ack(ctx context.Context, id string) error {
	return c.rdb.XAck(ctx, StreamKey, GroupName, id).Err()
}

// ReadNonBlocking performs a non-blocking drain of up to count additional
// pending messages for this consumer, used by the provisioning batcher's
// drain step.
func (c *Consumer) ReadNonBlocking(ctx context.Context, count int) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: c.opts.Consumer,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(count),
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			job, err := decodeJob(entry.Values)
			if err != nil {
				c.ack(ctx, entry.ID)
				continue
			}
			out = append(out, Message{ID: entry.ID, Job: job})
		}
	}
	return out, nil
}

// DeadLetter moves a message's job payload to DLQKey and ACKs the
// original entry.
func (c *Consumer) DeadLetter(ctx context.Context, msg Message, reason string) error {
	values := encodeJob(msg.Job)
	values["dlq_reason"] = reason
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: DLQKey, Values: values}).Err(); err != nil {
		return err
	}
	return c.Ack(ctx, msg.ID)
}

func (c *Consumer) logWarn(msg string, err error) {
	if c.log == nil {
		return
	}
	c.log.Warn(msg, "err", err)
}

func decodeJob(values map[string]interface{}) (jobs.Job, error) {
	typ, _ := values[fieldType].(string)
	if typ == "" {
		return jobs.Job{}, errors.New("jobstream: missing type field")
	}
	opID, _ := values[fieldOperationID].(string)
	host, _ := values[fieldHost].(string)
	school, _ := values[fieldSchool].(string)
	attempt := 0
	if raw, ok := values[fieldAttempt]; ok {
		switch v := raw.(type) {
		case string:
			attempt, _ = strconv.Atoi(v)
		case int:
			attempt = v
		}
	}
	return jobs.Job{
		Type:        jobs.Type(typ),
		OperationID: opID,
		Attempt:     attempt,
		Host:        host,
		School:      school,
	}, nil
}

func encodeJob(j jobs.Job) map[string]interface{} {
	return map[string]interface{}{
		fieldType:        string(j.Type),
		fieldOperationID: j.OperationID,
		fieldAttempt:     strconv.Itoa(j.Attempt),
		fieldHost:        j.Host,
		fieldSchool:      j.School,
	}
}

// Enqueue publishes a new job message, used by tests and by any internal
// retry path that re-enqueues rather than relying on the operations API's
// re-queue behavior.
func (c *Consumer) Enqueue(ctx context.Context, j jobs.Job) (string, error) {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: StreamKey, Values: encodeJob(j)}).Result()
}

// Close releases the underlying Redis client.
func (c *Consumer) Close() error {
	return c.rdb.Close()
}
