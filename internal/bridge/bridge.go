// Package bridge lets a synchronous caller perform byte-range reads that are
// fetched by a dedicated goroutine owning its own object client. Requests and
// responses pass through a single-slot Mailbox; the requester blocks until
// the fetcher signals completion or the timeout elapses.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/metrics"
)

var (
	ErrDisabled    = errors.New("bridge disabled")
	ErrUnavailable = errors.New("bridge unavailable")
	ErrTimeout     = errors.New("bridge request timed out")
	ErrClosed      = errors.New("bridge closed")
)

// FetchFunc reads length bytes of key starting at offset. A short result
// means the end of the object was reached.
type FetchFunc func(ctx context.Context, key string, offset, length int64) ([]byte, error)

// Factory creates the fetcher's client. It runs once, at construction.
type Factory func() (FetchFunc, error)

// Config holds bridge settings.
type Config struct {
	Enabled    bool
	BufferSize int
	Timeout    time.Duration
}

// Bridge is a blocking range reader backed by a fetcher goroutine.
type Bridge struct {
	box     *Mailbox
	fetch   FetchFunc
	timeout time.Duration
	log     *zap.Logger

	mu  sync.Mutex // one request in the slot at a time
	seq uint32

	bell chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	broken atomic.Bool
	closed atomic.Bool
}

// New builds a bridge. It fails with ErrDisabled or ErrUnavailable when the
// bridge cannot be used; callers fall back to full fetches.
func New(cfg Config, factory Factory) (*Bridge, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: no client factory", ErrUnavailable)
	}
	fetch, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		box:     NewMailbox(cfg.BufferSize),
		fetch:   fetch,
		timeout: cfg.Timeout,
		log:     logging.Named("bridge"),
		bell:    make(chan struct{}, 1),
		done:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.wg.Add(1)
	go b.serve()
	return b, nil
}

// Available reports whether the bridge can still serve requests. It turns
// false after a timeout or Close.
func (b *Bridge) Available() bool {
	return b != nil && !b.broken.Load() && !b.closed.Load()
}

// ReadRange blocks until length bytes of key at offset are fetched. Reads
// larger than the mailbox are split into chunks.
func (b *Bridge) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	chunk := int64(b.box.Capacity())
	out := make([]byte, 0, length)
	for remaining := length; remaining > 0; {
		n := remaining
		if n > chunk {
			n = chunk
		}
		data, err := b.roundTrip(ctx, key, offset, n)
		if err != nil {
			metrics.RecordBridgeRequest(false)
			return nil, err
		}
		out = append(out, data...)
		if int64(len(data)) < n {
			break
		}
		offset += n
		remaining -= n
	}
	metrics.RecordBridgeRequest(true)
	return out, nil
}

// roundTrip posts one request and waits for its response. Must be called
// with b.mu held.
func (b *Bridge) roundTrip(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.broken.Load() {
		return nil, ErrUnavailable
	}

	b.seq++
	if err := b.box.WriteMessage(b.seq, MsgTypeRange, encodeRange(key, offset, length), StateRequest); err != nil {
		return nil, err
	}
	select {
	case b.bell <- struct{}{}:
	default:
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-b.done:
	case <-timer.C:
		// The fetcher may still answer this request; the slot can't be reused.
		b.broken.Store(true)
		b.log.Warn("bridge request timed out",
			zap.String("key", key), zap.Int64("offset", offset), zap.Duration("timeout", b.timeout))
		return nil, ErrTimeout
	case <-ctx.Done():
		b.broken.Store(true)
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrClosed
	}

	seq, _, msgType := b.box.ReadHeader()
	payload := b.box.Payload()
	b.box.Release()

	if seq != b.seq {
		b.broken.Store(true)
		return nil, fmt.Errorf("%w: response out of sequence", ErrUnavailable)
	}
	if msgType == MsgTypeError {
		return nil, fmt.Errorf("bridge fetch %s: %s", key, payload)
	}
	return payload, nil
}

func (b *Bridge) serve() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.bell:
		}
		if b.box.State() != StateRequest {
			continue
		}

		seq, _, _ := b.box.ReadHeader()
		key, offset, length, err := decodeRange(b.box.Payload())
		var data []byte
		if err == nil {
			data, err = b.fetch(b.ctx, key, offset, length)
			if err == nil && int64(len(data)) > length {
				data = data[:length]
			}
		}

		if err != nil {
			msg := []byte(err.Error())
			if len(msg) > b.box.Capacity() {
				msg = msg[:b.box.Capacity()]
			}
			_ = b.box.WriteMessage(seq, MsgTypeError, msg, StateResponse)
		} else if werr := b.box.WriteMessage(seq, MsgTypeResult, data, StateResponse); werr != nil {
			_ = b.box.WriteMessage(seq, MsgTypeError, []byte(werr.Error()), StateResponse)
		}

		select {
		case b.done <- struct{}{}:
		default:
		}
	}
}

// Close stops the fetcher. A blocked requester returns ErrClosed.
func (b *Bridge) Close() error {
	if b == nil || !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	return nil
}
