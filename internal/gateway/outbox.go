package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"solana-custody/internal/storage"
)

// OutboxRetention is how long undelivered notifications are kept.
const OutboxRetention = 7 * 24 * time.Hour

func outboxKey(owner string) string    { return "outbox:" + owner }
func outboxSeqKey(owner string) string { return "outbox:seq:" + owner }

// Notification is one message produced outside a request, such as a
// triggered limit order.
type Notification struct {
	Seq       int64     `json:"seq"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Outbox queues notifications per owner for the chat bridge to poll. It
// satisfies scheduler.Notifier.
type Outbox struct {
	kv  storage.KV
	log logrus.FieldLogger
	now func() time.Time
}

// NewOutbox creates an Outbox.
func NewOutbox(kv storage.KV, log logrus.FieldLogger) *Outbox {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Outbox{kv: kv, log: log.WithField("component", "outbox"), now: time.Now}
}

// Notify appends message to owner's outbox.
func (o *Outbox) Notify(ctx context.Context, owner, message string) error {
	seq, err := o.kv.Incr(ctx, outboxSeqKey(owner))
	if err != nil {
		return fmt.Errorf("outbox sequence: %w", err)
	}
	data, err := json.Marshal(Notification{Seq: seq, Text: message, CreatedAt: o.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := o.kv.LPush(ctx, outboxKey(owner), string(data)); err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}
	for _, k := range []string{outboxKey(owner), outboxSeqKey(owner)} {
		if err := o.kv.Expire(ctx, k, OutboxRetention); err != nil {
			o.log.WithError(err).WithField("owner", owner).Debug("outbox retention not set")
		}
	}
	o.log.WithFields(logrus.Fields{"owner": owner, "seq": seq}).Debug("notification queued")
	return nil
}

// Since returns owner's notifications with a sequence above after, oldest
// first.
func (o *Outbox) Since(ctx context.Context, owner string, after int64) ([]Notification, error) {
	raw, err := o.kv.LRange(ctx, outboxKey(owner), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}

	out := make([]Notification, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var n Notification
		if err := json.Unmarshal([]byte(raw[i]), &n); err != nil {
			o.log.WithError(err).WithField("owner", owner).Warn("skipping corrupt notification")
			continue
		}
		if n.Seq > after {
			out = append(out, n)
		}
	}
	return out, nil
}
