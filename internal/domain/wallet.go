package domain

import "time"

// Wallet is a custodied Solana keypair. The private key is only ever stored
// as an envelope-encrypted bundle.
type Wallet struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	PublicKey    string    `json:"public_key"`
	EncryptedKey string    `json:"encrypted_key"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
}

// TOTPCredential describes an owner's authenticator enrollment.
type TOTPCredential struct {
	Owner           string
	EncryptedSecret string
	BackupHashes    []string
	FailedAttempts  int
	LockedUntil     time.Time
}
