// Package bus implements the request/reply/pub-sub topology over Redis:
// per-symbol FIFO queues, a user-request queue, correlation-id reply slots,
// and the pub/sub channels fills are broadcast on.
package bus

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clobengine/internal/asset"
)

// Bus wraps a Redis client with the queue/reply-slot/pub-sub naming scheme
// the exchange uses. Grounded on original_source's literal RPOP/LPUSH/
// PUBLISH usage over the same key families.
type Bus struct {
	rdb *redis.Client
}

// New connects to addr/db and wraps the client.
func New(addr string, db int) *Bus {
	return &Bus{rdb: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

func symbolQueueKey(symbol asset.Symbol) string {
	return fmt.Sprintf("queues:%s", symbol)
}

const userQueueKey = "queues:user"
const fillerQueueKey = "filler"

// PushEngineRequest enqueues a JSON-encoded request for a symbol's router.
func (b *Bus) PushEngineRequest(ctx context.Context, symbol asset.Symbol, payload []byte) error {
	return b.rdb.RPush(ctx, symbolQueueKey(symbol), payload).Err()
}

// PushUserRequest enqueues a JSON-encoded request for the user worker.
func (b *Bus) PushUserRequest(ctx context.Context, payload []byte) error {
	return b.rdb.RPush(ctx, userQueueKey, payload).Err()
}

// PopEngineRequest blocks (up to timeout) for the next request on a symbol's
// queue. A zero-length result with no error means the timeout elapsed and
// the caller should loop and check for shutdown.
func (b *Bus) PopEngineRequest(ctx context.Context, symbol asset.Symbol, timeout time.Duration) ([]byte, error) {
	return blpop(ctx, b.rdb, symbolQueueKey(symbol), timeout)
}

// PopUserRequest blocks (up to timeout) for the next user-management request.
func (b *Bus) PopUserRequest(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return blpop(ctx, b.rdb, userQueueKey, timeout)
}

func blpop(ctx context.Context, rdb *redis.Client, key string, timeout time.Duration) ([]byte, error) {
	res, err := rdb.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value].
	return []byte(res[1]), nil
}

// PushFiller enqueues a fill for the persistence sink to apply.
func (b *Bus) PushFiller(ctx context.Context, payload []byte) error {
	return b.rdb.RPush(ctx, fillerQueueKey, payload).Err()
}

// PopFiller blocks (up to timeout) for the next fill awaiting persistence.
func (b *Bus) PopFiller(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return blpop(ctx, b.rdb, fillerQueueKey, timeout)
}

// NewSubID draws a random positive 63-bit correlation id, as the reference
// implementation does, so reply slots never collide with negative/zero ids.
func NewSubID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]) &^ (1 << 63), nil
}

func replySlotKey(subID uint64) string {
	return fmt.Sprintf("reply:%d", subID)
}

// PushReply delivers a response to the caller waiting on subID's reply slot.
func (b *Bus) PushReply(ctx context.Context, subID uint64, payload []byte) error {
	key := replySlotKey(subID)
	if err := b.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return err
	}
	// Reply slots are single-shot: whoever polls once, consumes it, and no
	// second response is ever pushed, so a short expiry is enough cleanup
	// for a slot whose caller gave up and never polled at all.
	return b.rdb.Expire(ctx, key, time.Minute).Err()
}

// PopReply blocks (up to timeout) for the response to a request keyed by
// subID, as a gateway would after submitting a request.
func (b *Bus) PopReply(ctx context.Context, subID uint64, timeout time.Duration) ([]byte, error) {
	return blpop(ctx, b.rdb, replySlotKey(subID), timeout)
}

// Pub/sub channel name helpers, named per §4.8/§6.1.

func TradeChannel(symbol asset.Symbol) string       { return fmt.Sprintf("trade:%s", symbol) }
func OrderUpdateChannel(symbol asset.Symbol) string { return fmt.Sprintf("order_update:%s", symbol) }
func TickerChannel(symbol asset.Symbol) string      { return fmt.Sprintf("ticker:%s", symbol) }

// Publish marshals payload to JSON and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, raw).Err()
}
