package solana

import "context"

// RPCClient defines the Solana RPC HTTP calls the custody service needs.
type RPCClient interface {
	// GetBalance returns the lamport balance of an account.
	GetBalance(ctx context.Context, account string) (uint64, error)

	// GetTokenBalance returns the summed raw amount of mint held by owner
	// across all of its token accounts.
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error)

	// SimulateTransaction dry-runs a base64 transaction without signature checks.
	SimulateTransaction(ctx context.Context, txBase64 string) (*SimulationResult, error)

	// SendTransaction broadcasts a signed base64 transaction and returns its signature.
	SendTransaction(ctx context.Context, txBase64 string) (string, error)

	// GetLatestBlockhash returns a recent base58 blockhash for building
	// transactions locally.
	GetLatestBlockhash(ctx context.Context) (string, error)

	// GetSignatureStatuses looks up the status of each signature.
	// Unknown signatures yield nil entries.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)
}

// SimulationResult is the outcome of simulateTransaction.
type SimulationResult struct {
	Err           interface{}
	Logs          []string
	UnitsConsumed uint64
}

// Failed reports whether the simulated transaction errored.
func (r *SimulationResult) Failed() bool {
	return r != nil && r.Err != nil
}

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *uint64 // nil once rooted
	Err                interface{}
	ConfirmationStatus string // processed, confirmed, finalized
}

// Landed reports whether the transaction reached at least confirmed commitment.
func (s *SignatureStatus) Landed() bool {
	if s == nil {
		return false
	}
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}

// Commitment levels.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)
