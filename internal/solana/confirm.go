package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTransactionFailed is returned when a transaction landed with an on-chain error.
	ErrTransactionFailed = errors.New("transaction failed on-chain")
	// ErrConfirmationTimeout is returned when no confirmation arrived in time.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// Default confirmation settings.
const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

// Confirmer waits for a signature to reach confirmed commitment. It listens
// on the WebSocket client when one is configured and polls
// getSignatureStatuses in parallel so a dropped subscription never stalls a
// trade.
type Confirmer struct {
	rpc          RPCClient
	ws           WSClient
	timeout      time.Duration
	pollInterval time.Duration
	log          logrus.FieldLogger
}

// NewConfirmer creates a Confirmer. ws may be nil.
func NewConfirmer(rpc RPCClient, ws WSClient, log logrus.FieldLogger) *Confirmer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Confirmer{
		rpc:          rpc,
		ws:           ws,
		timeout:      DefaultConfirmTimeout,
		pollInterval: DefaultPollInterval,
		log:          log.WithField("component", "confirmer"),
	}
}

// SetTiming overrides the timeout and poll interval.
func (c *Confirmer) SetTiming(timeout, poll time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
	if poll > 0 {
		c.pollInterval = poll
	}
}

// Await blocks until signature is confirmed, failed, or the timeout expires.
func (c *Confirmer) Await(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var notifications <-chan SignatureNotification
	if c.ws != nil {
		ch, err := c.ws.SubscribeSignature(ctx, signature)
		if err != nil {
			c.log.WithError(err).WithField("signature", signature).Debug("signature subscribe failed, polling only")
		} else {
			notifications = ch
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, signature)

		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if n.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, n.Err)
			}
			return nil

		case <-ticker.C:
			statuses, err := c.rpc.GetSignatureStatuses(ctx, []string{signature})
			if err != nil {
				c.log.WithError(err).WithField("signature", signature).Debug("status poll failed")
				continue
			}
			if len(statuses) == 0 || statuses[0] == nil {
				continue
			}
			st := statuses[0]
			if st.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, st.Err)
			}
			if st.Landed() {
				return nil
			}
		}
	}
}
