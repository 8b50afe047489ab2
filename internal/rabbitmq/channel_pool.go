package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of AMQP channels
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	lastUsed   time.Time
	id         string
	confirming bool
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// EnableConfirms puts the channel in confirm mode once
func (pc *PooledChannel) EnableConfirms() error {
	if pc.confirming {
		return nil
	}
	if err := pc.Channel.Confirm(false); err != nil {
		return err
	}
	pc.confirming = true
	return nil
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the minimum pool size
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithWaitTimeout bounds how long Get waits when the pool is exhausted
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	var created []*PooledChannel
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			for _, c := range created {
				_ = c.Channel.Close()
			}
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		created = append(created, ch)
	}

	for _, ch := range created {
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	select {
	case ch := <-cp.channels:
		return cp.checkout(ctx, ch)
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.mu.Unlock()
		return cp.createAndGet(ctx)
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		return cp.checkout(ctx, ch)

	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}

	case <-time.After(cp.waitTimeout):
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ErrChannelPoolExhausted,
			Timestamp: time.Now(),
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if ch.Channel.IsClosed() {
		cp.activeCount--
		return
	}

	if cp.closed {
		_ = ch.Channel.Close()
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Channel.Close()
		cp.activeCount--
	}
}

// Discard closes a channel instead of returning it to the pool. Consumers use
// it because a channel that carried a consumer holds QoS and consumer state.
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}

	if !ch.Channel.IsClosed() {
		if err := ch.Channel.Close(); err != nil {
			cp.logger.Debug("failed to close discarded channel", "channelId", ch.id, "error", err)
		}
	}

	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// Close closes all idle channels in the pool. Channels checked out at the
// time are closed when they are returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if !ch.Channel.IsClosed() {
				_ = ch.Channel.Close()
			}
			cp.mu.Lock()
			cp.activeCount--
			cp.mu.Unlock()
		default:
			return nil
		}
	}
}

// Size returns the current number of channels owned by the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

// checkout replaces a pooled channel that was closed while idle
func (cp *ChannelPool) checkout(ctx context.Context, ch *PooledChannel) (*PooledChannel, error) {
	if ch.Channel.IsClosed() {
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()
		return cp.createAndGet(ctx)
	}
	ch.lastUsed = time.Now()
	return ch, nil
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.NewString(),
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return pooled, nil
}

func (cp *ChannelPool) createAndGet(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return cp.createChannel()
}

// cleanupIdle closes channels idle for longer than idleTimeout while keeping
// at least minSize
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
			cp.evictIdle(time.Now().Add(-cp.idleTimeout))
		}
	}
}

func (cp *ChannelPool) evictIdle(cutoff time.Time) {
	var keep []*PooledChannel

drain:
	for {
		select {
		case ch := <-cp.channels:
			cp.mu.Lock()
			evict := ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize
			if evict {
				cp.activeCount--
			}
			cp.mu.Unlock()

			if evict {
				_ = ch.Channel.Close()
				cp.logger.Debug("closed idle channel", "channelId", ch.id)
				continue
			}
			keep = append(keep, ch)
		default:
			break drain
		}
	}

	for _, ch := range keep {
		cp.Put(ch)
	}
}
