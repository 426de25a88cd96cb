// Package stub provides an in-memory solana.RPCClient for tests.
package stub

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"

	"solana-custody/internal/solana"
)

// RPCClient implements solana.RPCClient for testing. Balances are keyed by
// account, token balances by account and mint. Every sent transaction lands
// with SendStatus unless SendErr is set.
type RPCClient struct {
	mu sync.Mutex

	Balances      map[string]uint64
	TokenBalances map[string]uint64 // key: owner + "/" + mint

	SimulationErr interface{} // on-chain style error returned by SimulateTransaction
	SimulateErr   error       // transport error from SimulateTransaction
	SendErr       error
	SendStatus    *solana.SignatureStatus // nil = confirmed

	Sent     []string // base64 transactions broadcast, in order
	statuses map[string]*solana.SignatureStatus
	nextSig  int
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Balances:      make(map[string]uint64),
		TokenBalances: make(map[string]uint64),
		statuses:      make(map[string]*solana.SignatureStatus),
	}
}

// SetTokenBalance sets the token balance of owner for mint.
func (c *RPCClient) SetTokenBalance(owner, mint string, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TokenBalances[owner+"/"+mint] = amount
}

// GetBalance returns the configured lamport balance.
func (c *RPCClient) GetBalance(_ context.Context, account string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Balances[account], nil
}

// GetTokenBalance returns the configured token balance.
func (c *RPCClient) GetTokenBalance(_ context.Context, owner, mint string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TokenBalances[owner+"/"+mint], nil
}

// SimulateTransaction returns the configured simulation outcome.
func (c *RPCClient) SimulateTransaction(_ context.Context, _ string) (*solana.SimulationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SimulateErr != nil {
		return nil, c.SimulateErr
	}
	return &solana.SimulationResult{Err: c.SimulationErr, Logs: []string{"Program log: stub"}}, nil
}

// SendTransaction records txBase64 and returns its first signature.
func (c *RPCClient) SendTransaction(_ context.Context, txBase64 string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return "", c.SendErr
	}
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil || len(raw) < 65 {
		return "", fmt.Errorf("stub: malformed transaction")
	}
	c.Sent = append(c.Sent, txBase64)
	c.nextSig++
	// Single-byte signature count; the first signature is the transaction id.
	sig := base58.Encode(raw[1:65])

	st := c.SendStatus
	if st == nil {
		st = &solana.SignatureStatus{Slot: int64(c.nextSig), ConfirmationStatus: solana.CommitmentConfirmed}
	}
	c.statuses[sig] = st
	return sig, nil
}

// GetLatestBlockhash returns a fixed blockhash.
func (c *RPCClient) GetLatestBlockhash(context.Context) (string, error) {
	hash := make([]byte, 32)
	hash[0] = 1
	return base58.Encode(hash), nil
}

// GetSignatureStatuses returns statuses for sent signatures, nil otherwise.
func (c *RPCClient) GetSignatureStatuses(_ context.Context, signatures []string) ([]*solana.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*solana.SignatureStatus, len(signatures))
	for i, s := range signatures {
		out[i] = c.statuses[s]
	}
	return out, nil
}

// SentCount returns the number of broadcast transactions.
func (c *RPCClient) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

var _ solana.RPCClient = (*RPCClient)(nil)
