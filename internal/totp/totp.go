// Package totp issues and verifies authenticator codes and single-use
// backup codes, with lockout after repeated failures.
package totp

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/attempts"
	"solana-custody/internal/envelope"
	"solana-custody/internal/storage"
)

const (
	Period          = 30
	Skew            = 2
	BackupCodeCount = 8
	BackupCodeLen   = 8
	qrSize          = 256
)

const backupAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	ErrAlreadyEnrolled = errors.New("totp already enrolled")
	ErrNotEnrolled     = errors.New("totp not enrolled")
	// ErrMalformedCode is returned for input that is neither a 6-digit code
	// nor an 8-character backup code. It does not count as an attempt.
	ErrMalformedCode = errors.New("malformed code")
)

// Enrollment is returned once when a credential is created or rotated.
type Enrollment struct {
	Secret      string
	URI         string
	QRPNG       []byte
	BackupCodes []string
}

// Authority manages per-owner TOTP credentials.
type Authority struct {
	kv      storage.KV
	cipher  *envelope.Cipher
	limiter *attempts.Limiter
	issuer  string
	log     logrus.FieldLogger
	now     func() time.Time
	rand    io.Reader
}

// New creates an Authority. limiter tracks verification failures.
func New(kv storage.KV, cipher *envelope.Cipher, limiter *attempts.Limiter, issuer string, log logrus.FieldLogger) *Authority {
	if issuer == "" {
		issuer = "SolanaCustody"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Authority{
		kv:      kv,
		cipher:  cipher,
		limiter: limiter,
		issuer:  issuer,
		log:     log,
		now:     time.Now,
		rand:    rand.Reader,
	}
}

// SetClock overrides the clock used to validate codes. Intended for tests.
func (a *Authority) SetClock(now func() time.Time) { a.now = now }

func secretKey(owner string) string { return "totp:secret:" + owner }
func backupKey(owner string) string { return "totp:backup:" + owner }

// Generate creates the owner's credential. Fails with ErrAlreadyEnrolled if
// one exists.
func (a *Authority) Generate(ctx context.Context, owner string) (*Enrollment, error) {
	enr, sealed, hashes, err := a.newCredential(owner)
	if err != nil {
		return nil, err
	}

	ok, err := a.kv.SetNX(ctx, secretKey(owner), sealed, 0)
	if err != nil {
		return nil, fmt.Errorf("store totp secret: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyEnrolled
	}

	err = a.kv.Apply(ctx, func(b storage.Batch) {
		b.Del(backupKey(owner))
		b.SAdd(backupKey(owner), hashes...)
	})
	if err != nil {
		_ = a.kv.Del(ctx, secretKey(owner))
		return nil, fmt.Errorf("store backup codes: %w", err)
	}

	a.log.WithField("owner", owner).Info("totp enrolled")
	return enr, nil
}

// Regenerate replaces the secret and backup codes in one atomic write.
// The previous secret and codes stop validating immediately.
func (a *Authority) Regenerate(ctx context.Context, owner string) (*Enrollment, error) {
	enrolled, err := a.Enrolled(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !enrolled {
		return nil, ErrNotEnrolled
	}

	enr, sealed, hashes, err := a.newCredential(owner)
	if err != nil {
		return nil, err
	}

	err = a.kv.Apply(ctx, func(b storage.Batch) {
		b.Del(secretKey(owner), backupKey(owner))
		b.Set(secretKey(owner), sealed, 0)
		b.SAdd(backupKey(owner), hashes...)
	})
	if err != nil {
		return nil, fmt.Errorf("rotate totp credential: %w", err)
	}

	a.log.WithField("owner", owner).Info("totp credential rotated")
	return enr, nil
}

// Enrolled reports whether owner has a credential.
func (a *Authority) Enrolled(ctx context.Context, owner string) (bool, error) {
	_, err := a.kv.Get(ctx, secretKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read totp secret: %w", err)
	}
	return true, nil
}

// Locked reports whether verification is locked for owner.
func (a *Authority) Locked(ctx context.Context, owner string) (bool, time.Duration, error) {
	return a.limiter.Locked(ctx, owner)
}

// Verify accepts a current 6-digit code or an unused backup code.
// A locked owner is rejected before anything is checked or consumed,
// including backup codes.
func (a *Authority) Verify(ctx context.Context, owner, code string) error {
	if err := a.limiter.Check(ctx, owner); err != nil {
		return err
	}

	code = normalize(code)
	isTOTP := isDigits(code, 6)
	isBackup := !isTOTP && isBackupCode(code)
	if !isTOTP && !isBackup {
		return ErrMalformedCode
	}

	sealed, err := a.kv.Get(ctx, secretKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotEnrolled
	}
	if err != nil {
		return fmt.Errorf("read totp secret: %w", err)
	}

	var ok bool
	if isTOTP {
		ok, err = a.checkCode(sealed, code)
	} else {
		ok, err = a.kv.SRem(ctx, backupKey(owner), hashBackupCode(code))
		if ok {
			a.log.WithField("owner", owner).Info("backup code consumed")
		}
	}
	if err != nil {
		return err
	}

	if !ok {
		return a.limiter.Fail(ctx, owner)
	}
	if err := a.limiter.Reset(ctx, owner); err != nil {
		a.log.WithError(err).WithField("owner", owner).Warn("failed to reset totp counter")
	}
	return nil
}

// RemainingBackupCodes returns how many backup codes are unused.
func (a *Authority) RemainingBackupCodes(ctx context.Context, owner string) (int, error) {
	members, err := a.kv.SMembers(ctx, backupKey(owner))
	if err != nil {
		return 0, fmt.Errorf("read backup codes: %w", err)
	}
	return len(members), nil
}

func (a *Authority) checkCode(sealed, code string) (bool, error) {
	secret, err := a.cipher.DecryptString(sealed)
	if err != nil {
		return false, fmt.Errorf("open totp secret: %w", err)
	}
	ok, err := totp.ValidateCustom(code, secret, a.now().UTC(), totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, nil
	}
	return ok, nil
}

func (a *Authority) newCredential(owner string) (*Enrollment, string, []string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.issuer,
		AccountName: owner,
		Period:      Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        a.rand,
	})
	if err != nil {
		return nil, "", nil, fmt.Errorf("generate totp key: %w", err)
	}

	qr, err := qrPNG(key)
	if err != nil {
		return nil, "", nil, err
	}

	sealed, err := a.cipher.EncryptString(key.Secret())
	if err != nil {
		return nil, "", nil, fmt.Errorf("seal totp secret: %w", err)
	}

	codes := make([]string, BackupCodeCount)
	hashes := make([]string, BackupCodeCount)
	for i := range codes {
		c, err := randomCode(a.rand, BackupCodeLen)
		if err != nil {
			return nil, "", nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = c
		hashes[i] = hashBackupCode(c)
	}

	return &Enrollment{
		Secret:      key.Secret(),
		URI:         key.URL(),
		QRPNG:       qr,
		BackupCodes: codes,
	}, sealed, hashes, nil
}

func qrPNG(key *otp.Key) ([]byte, error) {
	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return buf.Bytes(), nil
}

func randomCode(r io.Reader, n int) (string, error) {
	max := big.NewInt(int64(len(backupAlphabet)))
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(r, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(backupAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer(" ", "", "-", "").Replace(code)
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isBackupCode(s string) bool {
	if len(s) != BackupCodeLen {
		return false
	}
	return strings.Trim(s, backupAlphabet) == ""
}

// ValidFormat reports whether code could be a TOTP or backup code.
func ValidFormat(code string) bool {
	code = normalize(code)
	return isDigits(code, 6) || isBackupCode(code)
}
