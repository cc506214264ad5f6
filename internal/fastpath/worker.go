package fastpath

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"jieyou_pet/internal/types"
)

// LedgerSink stores archived coin transactions; db.DB implements it.
type LedgerSink interface {
	ArchiveCoinTransactions(ctx context.Context, txs []types.CoinTransaction) (int64, error)
}

// Archiver drains the coin stream into a LedgerSink through a consumer group.
// Entries are acknowledged only after the sink accepted their batch.
type Archiver struct {
	Rdb  *redis.Client
	Sink LedgerSink
	Log  logrus.FieldLogger

	StreamKey      string
	StreamGroup    string
	StreamConsumer string

	WorkerCount    int
	ReadCount      int64
	ReadBlock      time.Duration
	ApplyBatchSize int
	ClaimMinIdle   time.Duration
	ClaimCount     int64
	ClaimEvery     time.Duration
	ClaimMaxRounds int
}

func NewArchiver(s *Store, sink LedgerSink, log logrus.FieldLogger) *Archiver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Archiver{
		Rdb:            s.Rdb,
		Sink:           sink,
		Log:            log.WithField("component", "archiver"),
		StreamKey:      s.Opts.StreamKey,
		StreamGroup:    s.Opts.StreamGroup,
		StreamConsumer: s.Opts.StreamConsumer,
		WorkerCount:    1,
		ReadCount:      500,
		ReadBlock:      1500 * time.Millisecond,
		ApplyBatchSize: 500,
		ClaimMinIdle:   60 * time.Second,
		ClaimCount:     200,
		ClaimEvery:     30 * time.Second,
		ClaimMaxRounds: 4,
	}
}

// EnsureGroup creates the consumer group, tolerating one that already exists.
func (a *Archiver) EnsureGroup(ctx context.Context) error {
	err := a.Rdb.XGroupCreateMkStream(ctx, a.StreamKey, a.StreamGroup, "0").Err()
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "busygroup") {
		return err
	}
	return nil
}

// Start launches the worker loops; they stop when ctx is done.
func (a *Archiver) Start(ctx context.Context) error {
	if a.Sink == nil {
		return errors.New("archiver: no ledger sink")
	}
	if err := a.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("archiver: create group: %w", err)
	}
	for i := 0; i < max(a.WorkerCount, 1); i++ {
		consumer := fmt.Sprintf("%s-%d", a.StreamConsumer, i+1)
		go a.workerLoop(ctx, consumer, i == 0)
	}
	return nil
}

func (a *Archiver) workerLoop(ctx context.Context, consumer string, enableClaim bool) {
	nextClaimAt := time.Now().Add(a.ClaimEvery)
	maybeClaim := func() {
		if enableClaim && time.Now().After(nextClaimAt) {
			a.claimPending(ctx, consumer)
			nextClaimAt = time.Now().Add(a.ClaimEvery)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := a.readOnce(ctx, consumer, a.ReadBlock)
		if err != nil && ctx.Err() == nil {
			a.Log.WithError(err).Warn("stream read failed")
			time.Sleep(750 * time.Millisecond)
		} else if n < 0 {
			time.Sleep(250 * time.Millisecond)
		}
		maybeClaim()
	}
}

// Drain reads without blocking until the stream has no new entries for this
// consumer and returns how many entries were processed.
func (a *Archiver) Drain(ctx context.Context) (int, error) {
	if err := a.EnsureGroup(ctx); err != nil {
		return 0, err
	}
	total := 0
	for {
		n, err := a.readOnce(ctx, a.StreamConsumer, -1)
		if err != nil {
			return total, err
		}
		if n < 0 {
			return total, errors.New("archiver: sink rejected batch")
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

// readOnce processes one XREADGROUP reply. It returns the number of messages
// read, or -1 when a batch was left unacknowledged.
func (a *Archiver) readOnce(ctx context.Context, consumer string, block time.Duration) (int, error) {
	res, err := a.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    a.StreamGroup,
		Consumer: consumer,
		Streams:  []string{a.StreamKey, ">"},
		Count:    a.ReadCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range res {
		if len(st.Messages) == 0 {
			continue
		}
		n += len(st.Messages)
		if ok := a.processMessages(ctx, st.Messages); !ok {
			return -1, nil
		}
	}
	return n, nil
}

func (a *Archiver) claimPending(ctx context.Context, consumer string) {
	start := "0-0"
	for round := 0; round < a.ClaimMaxRounds; round++ {
		msgs, next, err := a.Rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   a.StreamKey,
			Group:    a.StreamGroup,
			Consumer: consumer,
			MinIdle:  a.ClaimMinIdle,
			Start:    start,
			Count:    a.ClaimCount,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				a.Log.WithError(err).Warn("XAUTOCLAIM failed")
			}
			return
		}
		if len(msgs) == 0 {
			return
		}
		_ = a.processMessages(ctx, msgs)
		if next == "" || next == start || next == "0-0" {
			return
		}
		start = next
	}
}

type queuedCoin struct {
	msgID string
	tx    types.CoinTransaction
}

func (a *Archiver) processMessages(ctx context.Context, msgs []redis.XMessage) bool {
	batch := make([]queuedCoin, 0, len(msgs))
	ackNow := make([]string, 0, len(msgs))

	for _, msg := range msgs {
		tx, ok := coinFromMessage(msg)
		if !ok {
			// Malformed or foreign entry: ack so it does not poison the group.
			ackNow = append(ackNow, msg.ID)
			continue
		}
		batch = append(batch, queuedCoin{msgID: msg.ID, tx: tx})
	}

	if len(ackNow) > 0 {
		_ = a.Rdb.XAck(ctx, a.StreamKey, a.StreamGroup, ackNow...).Err()
	}

	size := max(a.ApplyBatchSize, 1)
	for i := 0; i < len(batch); i += size {
		part := batch[i:min(i+size, len(batch))]
		txs := make([]types.CoinTransaction, 0, len(part))
		ackIDs := make([]string, 0, len(part))
		for _, q := range part {
			txs = append(txs, q.tx)
			ackIDs = append(ackIDs, q.msgID)
		}

		inserted, err := a.Sink.ArchiveCoinTransactions(ctx, txs)
		if err != nil {
			a.Log.WithError(err).WithField("batch", len(txs)).Warn("archive batch failed")
			return false
		}
		if err := a.Rdb.XAck(ctx, a.StreamKey, a.StreamGroup, ackIDs...).Err(); err != nil {
			a.Log.WithError(err).Warn("XACK failed")
			return false
		}
		a.Log.WithFields(logrus.Fields{"batch": len(txs), "inserted": inserted}).Debug("archived coin transactions")
	}
	return true
}

func coinFromMessage(msg redis.XMessage) (types.CoinTransaction, bool) {
	if msg.Values == nil || asString(msg.Values["kind"]) != "coin" {
		return types.CoinTransaction{}, false
	}
	amount, err := strconv.ParseInt(asString(msg.Values["amount"]), 10, 64)
	tx := types.CoinTransaction{
		ID:         strings.TrimSpace(asString(msg.Values["id"])),
		UserID:     strings.TrimSpace(asString(msg.Values["uid"])),
		Amount:     amount,
		SourceType: asString(msg.Values["source"]),
		CreatedAt:  parseTime(asString(msg.Values["ts"])),
		Day:        strings.TrimSpace(asString(msg.Values["day"])),
	}
	if err != nil || tx.ID == "" || tx.UserID == "" || tx.Amount == 0 || tx.Day == "" {
		return types.CoinTransaction{}, false
	}
	return tx, true
}
