package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sentinal-e2ee/internal/domain/encryption"

	goredis "github.com/redis/go-redis/v9"
)

// Key patterns:
// - todevice:{user_id}:{device_id} - list of pending to-device events
// - todevice-txn:{user_id}:{device_id}:{txn_id} - 24h TTL, sendToDevice idempotency

const txnTTL = 24 * time.Hour

// Inbox queues to-device events per recipient device in Redis lists.
type Inbox struct {
	client *goredis.Client
}

func NewInbox(client *goredis.Client) *Inbox {
	return &Inbox{client: client}
}

func inboxKey(userID, deviceID string) string {
	return fmt.Sprintf("todevice:%s:%s", userID, deviceID)
}

func txnKey(userID, deviceID, txnID string) string {
	return fmt.Sprintf("todevice-txn:%s:%s:%s", userID, deviceID, txnID)
}

func (i *Inbox) Push(ctx context.Context, userID, deviceID string, events ...encryption.ToDeviceEvent) error {
	if len(events) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(events))
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	return i.client.RPush(ctx, inboxKey(userID, deviceID), values...).Err()
}

// Drain removes and returns up to limit events, oldest first.
func (i *Inbox) Drain(ctx context.Context, userID, deviceID string, limit int) ([]encryption.ToDeviceEvent, error) {
	key := inboxKey(userID, deviceID)
	var lrange *goredis.StringSliceCmd
	_, err := i.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, int64(limit-1))
		pipe.LTrim(ctx, key, int64(limit), -1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw := lrange.Val()
	events := make([]encryption.ToDeviceEvent, 0, len(raw))
	for _, item := range raw {
		var event encryption.ToDeviceEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("decode queued to-device event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// MarkTxn records a sender transaction id and reports whether it was new.
func (i *Inbox) MarkTxn(ctx context.Context, userID, deviceID, txnID string) (bool, error) {
	return i.client.SetNX(ctx, txnKey(userID, deviceID, txnID), 1, txnTTL).Result()
}
