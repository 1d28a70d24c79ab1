// Package ingest feeds node notifications into the monitor: a ZMQ
// subscriber for live traffic and a block backfill for whatever happened
// while the service was down.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/lightninglabs/gozmq"
	"go.uber.org/zap"
)

// Notification topics published by the node.
const (
	topicHashTx    = "hashtx"
	topicHashBlock = "hashblock"
	topicSequence  = "sequence"
)

// Sequence labels. Mempool removals and block disconnects are handled
// here; additions arrive on hashtx and connects on hashblock.
const (
	sequenceMempoolAdd      = 'A'
	sequenceMempoolRemove   = 'R'
	sequenceBlockConnect    = 'C'
	sequenceBlockDisconnect = 'D'
)

const (
	receiveTimeout  = 5 * time.Second
	maxReconnectGap = 30 * time.Second
	dedupeWindow    = 1024
)

// Handler receives decoded notifications. The monitor processor satisfies
// it.
type Handler interface {
	HandleTransaction(ctx context.Context, txHash string) error
	HandleBlock(ctx context.Context, blockHash string) error
	HandleMempoolRemoval(ctx context.Context, txHash string) error
	HandleBlockDisconnect(ctx context.Context, blockHash string) error
}

// Subscriber owns the ZMQ connection and its reconnect loop.
type Subscriber struct {
	logger  *zap.Logger
	addr    string
	handler Handler
	seen    *dedupe

	ready     chan struct{}
	readyOnce sync.Once
}

func NewSubscriber(addr string, handler Handler, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		logger:  logger,
		addr:    addr,
		handler: handler,
		seen:    newDedupe(dedupeWindow),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the first subscription is live. The backfill waits
// on it so no block falls between the catch-up walk and the live feed.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

func (s *Subscriber) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Run subscribes and dispatches until ctx is cancelled, reconnecting with
// capped backoff whenever the socket fails.
func (s *Subscriber) Run(ctx context.Context) error {
	delay := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := gozmq.Subscribe(s.addr,
			[]string{topicHashTx, topicHashBlock, topicSequence}, receiveTimeout)
		if err != nil {
			s.logger.Warn("Failed to connect to node notification socket",
				zap.String("addr", s.addr), zap.Duration("retry_in", delay), zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			if delay *= 2; delay > maxReconnectGap {
				delay = maxReconnectGap
			}
			continue
		}

		s.logger.Info("Subscribed to node notifications", zap.String("addr", s.addr))
		s.markReady()
		delay = time.Second

		err = s.receive(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Node notification socket closed, reconnecting", zap.Error(err))
	}
}

func (s *Subscriber) receive(ctx context.Context, conn *gozmq.Conn) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frames, err := conn.Receive(nil)
		if err != nil {
			// Receive times out regularly so cancellation stays
			// responsive.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		if len(frames) < 2 {
			continue
		}
		s.dispatch(ctx, string(frames[0]), frames[1])
	}
}

// dispatch routes one notification. Handler errors are logged and dropped;
// the backfill on next restart repairs anything missed.
func (s *Subscriber) dispatch(ctx context.Context, topic string, body []byte) {
	switch topic {
	case topicHashTx:
		hash, ok := hashToHex(body)
		if !ok || s.seen.observed(topic+hash) {
			return
		}
		if err := s.handler.HandleTransaction(ctx, hash); err != nil {
			s.logger.Error("Failed to process transaction notification",
				zap.String("tx_hash", hash), zap.Error(err))
		}

	case topicHashBlock:
		hash, ok := hashToHex(body)
		if !ok || s.seen.observed(topic+hash) {
			return
		}
		if err := s.handler.HandleBlock(ctx, hash); err != nil {
			s.logger.Error("Failed to process block notification",
				zap.String("block_hash", hash), zap.Error(err))
		}

	case topicSequence:
		// Body is 32 hash bytes, one label byte, then an 8-byte
		// little-endian sequence number.
		if len(body) < 33 {
			return
		}
		label := body[32]
		if label != sequenceMempoolRemove && label != sequenceBlockDisconnect {
			return
		}
		hash, ok := hashToHex(body[:32])
		if !ok || s.seen.observed(topic+string(label)+hash) {
			return
		}
		switch label {
		case sequenceMempoolRemove:
			if err := s.handler.HandleMempoolRemoval(ctx, hash); err != nil {
				s.logger.Error("Failed to process mempool removal",
					zap.String("tx_hash", hash), zap.Error(err))
			}
		case sequenceBlockDisconnect:
			if err := s.handler.HandleBlockDisconnect(ctx, hash); err != nil {
				s.logger.Error("Failed to process block disconnect",
					zap.String("block_hash", hash), zap.Error(err))
			}
		}
	}
}

// hashToHex renders a notification hash the way the command interface
// expects it. The node publishes hashes in internal byte order, reversed
// relative to their hex form.
func hashToHex(b []byte) (string, bool) {
	if len(b) != 32 {
		return "", false
	}
	reversed := make([]byte, 32)
	for i := range reversed {
		reversed[i] = b[31-i]
	}
	return hex.EncodeToString(reversed), true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// dedupe is a fixed-window filter for redelivered notifications. Processing
// is idempotent anyway; this just avoids redundant node round trips.
type dedupe struct {
	ring []string
	set  map[string]struct{}
	next int
}

func newDedupe(size int) *dedupe {
	return &dedupe{
		ring: make([]string, size),
		set:  make(map[string]struct{}, size),
	}
}

func (d *dedupe) observed(key string) bool {
	if _, ok := d.set[key]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.set, old)
	}
	d.ring[d.next] = key
	d.set[key] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return false
}
