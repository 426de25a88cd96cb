// Package custody stores encrypted wallet keys and lends signers for the
// duration of a single operation.
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/envelope"
	"solana-custody/internal/solana"
	"solana-custody/internal/storage"
)

// MaxNameLen bounds wallet display names.
const MaxNameLen = 20

var (
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrNoSelectedWallet = errors.New("no wallet selected")
	ErrInvalidName      = errors.New("wallet name must be 1-20 characters and not start with '/'")
)

func walletKey(id string) string      { return "wallet:" + id }
func walletsKey(owner string) string  { return "wallets:" + owner }
func selectedKey(owner string) string { return "wallet:selected:" + owner }

// Vault is the only component that sees decrypted key material.
type Vault struct {
	kv     storage.KV
	cipher *envelope.Cipher
	log    logrus.FieldLogger
	now    func() time.Time
}

// New creates a Vault.
func New(kv storage.KV, cipher *envelope.Cipher, log logrus.FieldLogger) *Vault {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Vault{
		kv:     kv,
		cipher: cipher,
		log:    log.WithField("component", "custody"),
		now:    time.Now,
	}
}

// SetClock overrides the creation timestamp source. Intended for tests.
func (v *Vault) SetClock(now func() time.Time) { v.now = now }

// CreateWallet generates a keypair, stores it encrypted and selects it.
// An empty name is replaced with "W<n>".
func (v *Vault) CreateWallet(ctx context.Context, owner, name string) (*domain.Wallet, error) {
	name = strings.TrimSpace(name)
	if len(name) > MaxNameLen || strings.HasPrefix(name, "/") {
		return nil, ErrInvalidName
	}

	kp, err := solana.NewKeypair()
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	secret := kp.Bytes()
	sealed, err := v.cipher.Encrypt(secret)
	envelope.Zero(secret)
	if err != nil {
		return nil, fmt.Errorf("seal wallet key: %w", err)
	}

	if name == "" {
		ids, err := v.kv.SMembers(ctx, walletsKey(owner))
		if err != nil {
			return nil, fmt.Errorf("list wallets: %w", err)
		}
		name = fmt.Sprintf("W%d", len(ids)+1)
	}

	w := &domain.Wallet{
		ID:           uuid.NewString(),
		Owner:        owner,
		PublicKey:    kp.Address(),
		EncryptedKey: sealed,
		Name:         name,
		CreatedAt:    v.now().UTC(),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal wallet: %w", err)
	}

	err = v.kv.Apply(ctx, func(b storage.Batch) {
		b.Set(walletKey(w.ID), string(data), 0)
		b.SAdd(walletsKey(owner), w.ID)
		b.Set(selectedKey(owner), w.ID, 0)
	})
	if err != nil {
		return nil, fmt.Errorf("store wallet: %w", err)
	}

	v.log.WithFields(logrus.Fields{
		"owner":      owner,
		"wallet_id":  w.ID,
		"public_key": w.PublicKey,
	}).Info("wallet created")
	return w, nil
}

// Get loads a wallet by id.
func (v *Vault) Get(ctx context.Context, id string) (*domain.Wallet, error) {
	raw, err := v.kv.Get(ctx, walletKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	var w domain.Wallet
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode wallet %s: %w", id, err)
	}
	return &w, nil
}

// List returns the owner's wallets, oldest first.
func (v *Vault) List(ctx context.Context, owner string) ([]*domain.Wallet, error) {
	ids, err := v.kv.SMembers(ctx, walletsKey(owner))
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	out := make([]*domain.Wallet, 0, len(ids))
	for _, id := range ids {
		w, err := v.Get(ctx, id)
		if errors.Is(err, ErrWalletNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Select makes id the owner's active wallet. It does not take the trade lock;
// a trade already running keeps the wallet it loaded.
func (v *Vault) Select(ctx context.Context, owner, id string) error {
	ok, err := v.kv.SIsMember(ctx, walletsKey(owner), id)
	if err != nil {
		return fmt.Errorf("check wallet: %w", err)
	}
	if !ok {
		return ErrWalletNotFound
	}
	if err := v.kv.Set(ctx, selectedKey(owner), id, 0); err != nil {
		return fmt.Errorf("select wallet: %w", err)
	}
	v.log.WithFields(logrus.Fields{"owner": owner, "wallet_id": id}).Info("wallet selected")
	return nil
}

// Selected returns the owner's active wallet.
func (v *Vault) Selected(ctx context.Context, owner string) (*domain.Wallet, error) {
	id, err := v.kv.Get(ctx, selectedKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSelectedWallet
	}
	if err != nil {
		return nil, fmt.Errorf("get selected wallet: %w", err)
	}
	w, err := v.Get(ctx, id)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, ErrNoSelectedWallet
	}
	return w, err
}

// WithSigner decrypts w's key, hands a signer to fn and zeroes the key when
// fn returns. The signer must not be retained.
func (v *Vault) WithSigner(ctx context.Context, w *domain.Wallet, fn func(solana.Signer) error) error {
	kp, err := v.open(w)
	if err != nil {
		return err
	}
	defer kp.Zero()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(kp)
}

// ExportKey returns the base58 64-byte secret of the owner's selected
// wallet. The caller is responsible for releasing it exactly once.
func (v *Vault) ExportKey(ctx context.Context, owner string) (string, error) {
	w, err := v.Selected(ctx, owner)
	if err != nil {
		return "", err
	}
	kp, err := v.open(w)
	if err != nil {
		return "", err
	}
	defer kp.Zero()

	secret := kp.Bytes()
	defer envelope.Zero(secret)

	v.log.WithFields(logrus.Fields{"owner": owner, "wallet_id": w.ID}).Warn("wallet key exported")
	return base58.Encode(secret), nil
}

// open decrypts and validates w's key.
func (v *Vault) open(w *domain.Wallet) (*solana.Keypair, error) {
	secret, err := v.cipher.Decrypt(w.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("open wallet %s: %w", w.ID, err)
	}
	defer envelope.Zero(secret)

	kp, err := solana.KeypairFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("open wallet %s: %w", w.ID, err)
	}
	if kp.Address() != w.PublicKey {
		kp.Zero()
		return nil, fmt.Errorf("open wallet %s: key does not match public key", w.ID)
	}
	return kp, nil
}
