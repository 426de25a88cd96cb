package totp

import (
	"bytes"
	"context"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/attempts"
	"solana-custody/internal/envelope"
	"solana-custody/internal/storage/memory"
)

type fixture struct {
	auth  *Authority
	kv    *memory.KV
	now   time.Time
	clock func() time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := envelope.New(bytes.Repeat([]byte{9}, envelope.KeySize))
	require.NoError(t, err)

	f := &fixture{kv: memory.NewKV(), now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	f.clock = func() time.Time { return f.now }
	f.kv.SetClock(f.clock)

	log, _ := logtest.NewNullLogger()
	limiter := attempts.NewLimiter(f.kv, "totp", attempts.DefaultPolicy, nil)
	f.auth = New(f.kv, cipher, limiter, "TestIssuer", log)
	f.auth.SetClock(f.clock)
	return f
}

func (f *fixture) code(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	c, err := totp.GenerateCode(secret, at)
	require.NoError(t, err)
	return c
}

// wrong returns a 6-digit code that is not valid in any accepted window.
func (f *fixture) wrong(t *testing.T, secret string) string {
	t.Helper()
	valid := map[string]bool{}
	for i := -Skew; i <= Skew; i++ {
		valid[f.code(t, secret, f.now.Add(time.Duration(i*Period)*time.Second))] = true
	}
	for _, c := range []string{"000000", "111111", "222222", "333333", "444444", "555555"} {
		if !valid[c] {
			return c
		}
	}
	t.Fatal("no wrong code available")
	return ""
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enr, err := f.auth.Generate(ctx, "owner1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(enr.URI, "otpauth://totp/TestIssuer:owner1?"))
	assert.Len(t, enr.BackupCodes, BackupCodeCount)
	for _, c := range enr.BackupCodes {
		assert.Len(t, c, BackupCodeLen)
		assert.True(t, isBackupCode(c))
	}
	_, err = png.Decode(bytes.NewReader(enr.QRPNG))
	assert.NoError(t, err)

	sealed, err := f.kv.Get(ctx, secretKey("owner1"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, enr.Secret, "secret is stored encrypted")

	hashes, err := f.kv.SMembers(ctx, backupKey("owner1"))
	require.NoError(t, err)
	assert.Len(t, hashes, BackupCodeCount)
	for _, c := range enr.BackupCodes {
		assert.NotContains(t, hashes, c)
	}

	_, err = f.auth.Generate(ctx, "owner1")
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestVerify_CodeWithinSkew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, err := f.auth.Generate(ctx, "owner1")
	require.NoError(t, err)

	for _, offset := range []time.Duration{-60 * time.Second, -30 * time.Second, 0, 30 * time.Second, 60 * time.Second} {
		err := f.auth.Verify(ctx, "owner1", f.code(t, enr.Secret, f.now.Add(offset)))
		assert.NoError(t, err, "offset %s", offset)
	}

	for _, offset := range []time.Duration{-120 * time.Second, 120 * time.Second} {
		err := f.auth.Verify(ctx, "owner1", f.code(t, enr.Secret, f.now.Add(offset)))
		assert.ErrorIs(t, err, attempts.ErrAuthorizationFailed, "offset %s", offset)
	}
}

func TestVerify_BackupCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, err := f.auth.Generate(ctx, "owner1")
	require.NoError(t, err)

	code := enr.BackupCodes[0]
	require.NoError(t, f.auth.Verify(ctx, "owner1", strings.ToLower(code)))

	err = f.auth.Verify(ctx, "owner1", code)
	assert.ErrorIs(t, err, attempts.ErrAuthorizationFailed)

	left, err := f.auth.RemainingBackupCodes(ctx, "owner1")
	require.NoError(t, err)
	assert.Equal(t, BackupCodeCount-1, left)
}

func TestVerify_BackupCodeConcurrentConsumption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, err := f.auth.Generate(ctx, "owner1")
	require.NoError(t, err)

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.auth.Verify(ctx, "owner1", enr.BackupCodes[3]) == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
}

func TestVerify_LockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, err := f.auth.Generate(ctx, "owner1")
	require.NoError(t, err)
	bad := f.wrong(t, enr.Secret)

	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", bad), attempts.ErrAuthorizationFailed)
	}
	assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", bad), attempts.ErrAuthorizationLocked)

	// Correct code and backup code are rejected while locked, and nothing is consumed.
	assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", f.code(t, enr.Secret, f.now)), attempts.ErrAuthorizationLocked)
	assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", enr.BackupCodes[0]), attempts.ErrAuthorizationLocked)
	left, _ := f.auth.RemainingBackupCodes(ctx, "owner1")
	assert.Equal(t, BackupCodeCount, left)

	locked, _, err := f.auth.Locked(ctx, "owner1")
	require.NoError(t, err)
	assert.True(t, locked)

	f.now = f.now.Add(30 * time.Minute)
	assert.NoError(t, f.auth.Verify(ctx, "owner1", f.code(t, enr.Secret, f.now)))
}

func TestVerify_SuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enr, err := f.auth.Generate(ctx, "owner1")
	require.NoError(t, err)
	bad := f.wrong(t, enr.Secret)

	for i := 0; i < 4; i++ {
		_ = f.auth.Verify(ctx, "owner1", bad)
	}
	require.NoError(t, f.auth.Verify(ctx, "owner1", f.code(t, enr.Secret, f.now)))

	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", bad), attempts.ErrAuthorizationFailed)
	}
}

func TestVerify_MalformedAndNotEnrolled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.auth.Verify(ctx, "nobody", "123456"), ErrNotEnrolled)

	enr, err := f.auth.Generate(ctx, "owner1")
	require.NoError(t, err)

	for _, bad := range []string{"", "12345", "1234567", "abc!defg", "ABCDEFGHI"} {
		assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", bad), ErrMalformedCode, "code %q", bad)
	}
	// Malformed input does not count toward the lockout.
	wrong := f.wrong(t, enr.Secret)
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", wrong), attempts.ErrAuthorizationFailed)
	}
}

func TestRegenerate_InvalidatesOldCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Regenerate(ctx, "owner1")
	assert.ErrorIs(t, err, ErrNotEnrolled)

	old, err := f.auth.Generate(ctx, "owner1")
	require.NoError(t, err)

	fresh, err := f.auth.Regenerate(ctx, "owner1")
	require.NoError(t, err)
	assert.NotEqual(t, old.Secret, fresh.Secret)

	assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", f.code(t, old.Secret, f.now)), attempts.ErrAuthorizationFailed)
	assert.ErrorIs(t, f.auth.Verify(ctx, "owner1", old.BackupCodes[0]), attempts.ErrAuthorizationFailed)
	assert.NoError(t, f.auth.Verify(ctx, "owner1", f.code(t, fresh.Secret, f.now)))
	assert.NoError(t, f.auth.Verify(ctx, "owner1", fresh.BackupCodes[0]))
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("123 456"))
	assert.True(t, ValidFormat("ab12-cd34"))
	assert.False(t, ValidFormat("12345"))
	assert.False(t, ValidFormat("not a code"))
}
