package solana

import "context"

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeSignature waits for a signature to reach confirmed commitment.
	// The channel receives at most one notification and is then closed.
	SubscribeSignature(ctx context.Context, signature string) (<-chan SignatureNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}

// SignatureNotification reports that a transaction was processed.
// Err is the on-chain error, nil on success.
type SignatureNotification struct {
	Signature string
	Slot      int64
	Err       interface{}
}
