package custody

import (
	"context"
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/envelope"
	"solana-custody/internal/solana"
	"solana-custody/internal/storage/memory"
)

func newTestVault(t *testing.T) (*Vault, *memory.KV) {
	t.Helper()
	cipher, err := envelope.New(make([]byte, envelope.KeySize))
	require.NoError(t, err)
	kv := memory.NewKV()
	log, _ := logtest.NewNullLogger()
	return New(kv, cipher, log), kv
}

func TestCreateWallet_StoresCiphertextOnly(t *testing.T) {
	v, kv := newTestVault(t)
	ctx := context.Background()

	w, err := v.CreateWallet(ctx, "alice", "Main")
	require.NoError(t, err)
	assert.Equal(t, "Main", w.Name)
	assert.True(t, solana.ValidAddress(w.PublicKey))

	raw, err := kv.Get(ctx, walletKey(w.ID))
	require.NoError(t, err)
	assert.Contains(t, raw, w.EncryptedKey)
	assert.Equal(t, 3, len(strings.Split(w.EncryptedKey, ".")), "envelope format")

	secret, err := v.ExportKey(ctx, "alice")
	require.NoError(t, err)
	assert.NotContains(t, raw, secret)
}

func TestCreateWallet_SelectsNewest(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	first, err := v.CreateWallet(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "W1", first.Name)

	second, err := v.CreateWallet(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "W2", second.Name)

	sel, err := v.Selected(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.ID, sel.ID)
}

func TestCreateWallet_RejectsBadNames(t *testing.T) {
	v, _ := newTestVault(t)
	for _, name := range []string{"/cancel", strings.Repeat("x", MaxNameLen+1)} {
		_, err := v.CreateWallet(context.Background(), "alice", name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestListAndSelect(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	v.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	})

	a, _ := v.CreateWallet(ctx, "alice", "A")
	b, _ := v.CreateWallet(ctx, "alice", "B")
	_, _ = v.CreateWallet(ctx, "bob", "C")

	list, err := v.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	require.NoError(t, v.Select(ctx, "alice", a.ID))
	sel, err := v.Selected(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, a.ID, sel.ID)

	bobs, _ := v.List(ctx, "bob")
	assert.ErrorIs(t, v.Select(ctx, "alice", bobs[0].ID), ErrWalletNotFound)
}

func TestSelected_None(t *testing.T) {
	v, _ := newTestVault(t)
	_, err := v.Selected(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoSelectedWallet)

	_, err = v.ExportKey(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoSelectedWallet)
}

func TestWithSigner_SignsAsWallet(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	w, err := v.CreateWallet(ctx, "alice", "Main")
	require.NoError(t, err)

	pub, err := solana.ParsePublicKey(w.PublicKey)
	require.NoError(t, err)

	msg := []byte("swap")
	var sig []byte
	err = v.WithSigner(ctx, w, func(s solana.Signer) error {
		assert.Equal(t, pub, s.PublicKey())
		sig = s.Sign(msg)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, msg, sig))
}

func TestWithSigner_TamperedCiphertext(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	w, err := v.CreateWallet(ctx, "alice", "Main")
	require.NoError(t, err)

	last := w.EncryptedKey[len(w.EncryptedKey)-1]
	flipped := "0"
	if last == '0' {
		flipped = "1"
	}
	w.EncryptedKey = w.EncryptedKey[:len(w.EncryptedKey)-1] + flipped
	called := false
	err = v.WithSigner(ctx, w, func(solana.Signer) error {
		called = true
		return nil
	})
	var decErr *envelope.DecryptionError
	assert.ErrorAs(t, err, &decErr)
	assert.False(t, called)
}

func TestWithSigner_OffCurveKeyRejected(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	w, err := v.CreateWallet(ctx, "alice", "Main")
	require.NoError(t, err)

	kp, err := solana.NewKeypair()
	require.NoError(t, err)
	secret := kp.Bytes()
	offCurve := make([]byte, solana.PublicKeySize)
	offCurve[0] = 2 // y = 2 has no curve point
	copy(secret[32:], offCurve)
	w.EncryptedKey, err = v.cipher.Encrypt(secret)
	require.NoError(t, err)

	called := false
	err = v.WithSigner(ctx, w, func(solana.Signer) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, solana.ErrOffCurve)
	assert.False(t, called)
}

func TestExportKey_RoundTrips(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()
	w, err := v.CreateWallet(ctx, "alice", "Main")
	require.NoError(t, err)

	secret, err := v.ExportKey(ctx, "alice")
	require.NoError(t, err)

	raw, err := base58.Decode(secret)
	require.NoError(t, err)
	kp, err := solana.KeypairFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, w.PublicKey, kp.Address())
}
