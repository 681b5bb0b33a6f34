// Package batcher provides a generic buffered batch processor with rate limiting.
package batcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// ErrStopped is returned when adding to a stopped batcher.
var ErrStopped = errors.New("batcher stopped")

// ErrFull is returned by TryAdd when the buffer is full.
var ErrFull = errors.New("batcher buffer full")

// Options configures a Batcher.
type Options struct {
	// FlushSize is the number of buffered items that triggers a flush.
	FlushSize int
	// FlushInterval flushes a partial buffer periodically.
	FlushInterval time.Duration
	// RPS bounds the number of flushes per second.
	RPS int
	// OnFlush is called after every flush attempt.
	OnFlush func(size int, err error)
}

// Batcher buffers items and flushes them either by size or interval.
type Batcher[T any] struct {
	flush   func(context.Context, []T) error
	onFlush func(size int, err error)
	itemsCh chan T
	size    int
	every   time.Duration
	rl      ratelimit.Limiter
	logger  *zap.Logger

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Batcher.
func New[T any](logger *zap.Logger, flush func(context.Context, []T) error, opts Options) *Batcher[T] {
	if opts.FlushSize <= 0 {
		opts.FlushSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	return &Batcher[T]{
		logger:  logger,
		flush:   flush,
		onFlush: opts.OnFlush,
		itemsCh: make(chan T, opts.FlushSize*2),
		size:    opts.FlushSize,
		every:   opts.FlushInterval,
		rl:      ratelimit.New(opts.RPS),
		stop:    make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (b *Batcher[T]) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop flushes buffered items and waits for the loop to exit. It is safe to call more than once.
func (b *Batcher[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

// TryAdd queues an item without blocking.
func (b *Batcher[T]) TryAdd(item T) error {
	select {
	case <-b.stop:
		return ErrStopped
	default:
	}

	select {
	case b.itemsCh <- item:
		return nil
	default:
		return ErrFull
	}
}

func (b *Batcher[T]) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.every)
	defer ticker.Stop()

	buf := make([]T, 0, b.size)

	flush := func(ctx context.Context) {
		if len(buf) == 0 {
			return
		}

		b.rl.Take()
		err := b.flush(ctx, buf)
		if err != nil {
			b.logger.Error("batch not flushed", zap.Int("size", len(buf)), zap.Error(err))
		} else {
			b.logger.Debug("batch flushed", zap.Int("size", len(buf)))
		}
		if b.onFlush != nil {
			b.onFlush(len(buf), err)
		}
		buf = buf[:0]
	}

	drain := func() {
		for {
			select {
			case item := <-b.itemsCh:
				buf = append(buf, item)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			flush(context.WithoutCancel(ctx))
			return

		case <-b.stop:
			drain()
			flush(context.WithoutCancel(ctx))
			return

		case item := <-b.itemsCh:
			buf = append(buf, item)
			if len(buf) >= b.size {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}
