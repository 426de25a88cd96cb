// Package export gates plaintext key export behind three independently
// locked challenges: a security question, a password and a TOTP code.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"solana-custody/internal/attempts"
	"solana-custody/internal/domain"
	"solana-custody/internal/lock"
	"solana-custody/internal/observability"
	"solana-custody/internal/storage"
	"solana-custody/internal/totp"
)

// Defaults.
const (
	StageTTL       = 5 * time.Minute
	MinPasswordLen = 6
	MaxPasswordLen = 72 // bcrypt input limit
)

var (
	ErrNoSession        = errors.New("no export session")
	ErrOutOfSequence    = errors.New("export step out of sequence")
	ErrInvalidQuestion  = errors.New("invalid security question")
	ErrEmptyAnswer      = errors.New("answer must not be empty")
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLen)
	ErrPasswordTooLong  = fmt.Errorf("password must be at most %d bytes", MaxPasswordLen)
	// ErrNoPassword is returned when a credential change is asked for before
	// the first export set a password.
	ErrNoPassword = errors.New("export password not set")
)

// Questions is the fixed security question catalog.
var Questions = []string{
	"What is your pet's name?",
	"What is your mother's maiden name?",
	"What city were you born in?",
	"What is your favorite food?",
	"What street did you grow up on?",
	"What is your favorite movie?",
	"What was your first job?",
	"What is your best friend's name?",
}

// Wallets is the custody surface the protocol needs.
type Wallets interface {
	Selected(ctx context.Context, owner string) (*domain.Wallet, error)
	ExportKey(ctx context.Context, owner string) (string, error)
}

// Authenticator is the TOTP surface the protocol needs.
type Authenticator interface {
	Enrolled(ctx context.Context, owner string) (bool, error)
	Generate(ctx context.Context, owner string) (*totp.Enrollment, error)
	Regenerate(ctx context.Context, owner string) (*totp.Enrollment, error)
	Verify(ctx context.Context, owner, code string) error
	Locked(ctx context.Context, owner string) (bool, time.Duration, error)
	RemainingBackupCodes(ctx context.Context, owner string) (int, error)
}

// Prompt describes what the owner must do next.
type Prompt struct {
	Stage domain.ExportStage
	// Setup is true when the current challenge creates a new credential
	// instead of checking an existing one.
	Setup bool
	// Questions is set in CHOOSING_QUESTION.
	Questions []string
	// Question is set in ANSWERING_QUESTION.
	Question string
	// Enrollment is set once, when reaching AWAITING_TOTP created the
	// owner's authenticator credential.
	Enrollment *totp.Enrollment
}

// FactorStatus describes the owner's authenticator credential.
type FactorStatus struct {
	Enrolled    bool
	BackupCodes int
	Locked      bool
	LockedFor   time.Duration
}

// Result carries the exported key. It is produced once and never cached.
type Result struct {
	PublicKey string
	SecretKey string
}

// Config tunes the protocol.
type Config struct {
	StageTTL   time.Duration
	Policy     attempts.Policy
	BcryptCost int
}

// Protocol runs export sessions. Every operation except Cancel holds the
// owner's export lock.
type Protocol struct {
	kv       storage.KV
	wallets  Wallets
	auth     Authenticator
	locker   *lock.Locker
	question *attempts.Limiter
	password *attempts.Limiter
	code     *attempts.Limiter
	cfg      Config
	log      logrus.FieldLogger
	metrics  *observability.Metrics
	now      func() time.Time
}

// New creates a Protocol. Each layer gets its own limiter so failures on one
// never count against another.
func New(kv storage.KV, wallets Wallets, auth Authenticator, locker *lock.Locker, cfg Config, log logrus.FieldLogger, metrics *observability.Metrics) *Protocol {
	if cfg.StageTTL <= 0 {
		cfg.StageTTL = StageTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Protocol{
		kv:       kv,
		wallets:  wallets,
		auth:     auth,
		locker:   locker,
		question: attempts.NewLimiter(kv, "export_"+string(domain.AuthLayerQuestion), cfg.Policy, metrics),
		password: attempts.NewLimiter(kv, "export_"+string(domain.AuthLayerPassword), cfg.Policy, metrics),
		code:     attempts.NewLimiter(kv, "export_"+string(domain.AuthLayerTOTP), cfg.Policy, metrics),
		cfg:      cfg,
		log:      log.WithField("component", "export"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock overrides the session clock. Intended for tests.
func (p *Protocol) SetClock(now func() time.Time) { p.now = now }

func sessionKey(owner string) string  { return "export:session:" + owner }
func questionKey(owner string) string { return "export:question:" + owner }
func passwordKey(owner string) string { return "export:password:" + owner }

// Begin starts (or restarts) an export for owner's selected wallet.
func (p *Protocol) Begin(ctx context.Context, owner string) (*Prompt, error) {
	var prompt *Prompt
	err := p.locked(ctx, owner, func(ctx context.Context) error {
		for _, l := range []*attempts.Limiter{p.question, p.password} {
			if err := l.Check(ctx, owner); err != nil {
				return err
			}
		}
		if _, err := p.wallets.Selected(ctx, owner); err != nil {
			return err
		}

		sq, err := p.securityQuestion(ctx, owner)
		if err != nil {
			return err
		}

		sess := &domain.ExportSession{Owner: owner, StartedAt: p.now().UTC()}
		if sq == nil {
			sess.Stage = domain.ExportStageChoosingQuestion
			sess.Setup = true
			prompt = &Prompt{Stage: sess.Stage, Setup: true, Questions: Questions}
		} else {
			sess.Stage = domain.ExportStageAnsweringQuestion
			sess.QuestionIndex = sq.Index
			prompt = &Prompt{Stage: sess.Stage, Question: Questions[sq.Index]}
		}
		return p.save(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"owner": owner, "stage": prompt.Stage}).Info("export started")
	return prompt, nil
}

// ChooseQuestion picks the first-time security question.
func (p *Protocol) ChooseQuestion(ctx context.Context, owner string, index int) (*Prompt, error) {
	var prompt *Prompt
	err := p.locked(ctx, owner, func(ctx context.Context) error {
		sess, err := p.load(ctx, owner, domain.ExportStageChoosingQuestion)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(Questions) {
			return ErrInvalidQuestion
		}
		sess.QuestionIndex = index
		sess.Stage = domain.ExportStageAnsweringQuestion
		prompt = &Prompt{Stage: sess.Stage, Setup: true, Question: Questions[index]}
		return p.save(ctx, sess)
	})
	return prompt, err
}

// SubmitAnswer sets or checks the security answer. Answers are compared
// case-insensitively.
func (p *Protocol) SubmitAnswer(ctx context.Context, owner, answer string) (*Prompt, error) {
	var prompt *Prompt
	err := p.locked(ctx, owner, func(ctx context.Context) error {
		sess, err := p.load(ctx, owner, domain.ExportStageAnsweringQuestion)
		if err != nil {
			return err
		}
		if err := p.question.Check(ctx, owner); err != nil {
			return err
		}

		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer == "" {
			return ErrEmptyAnswer
		}

		if sess.Setup {
			if err := p.storeQuestion(ctx, owner, sess.QuestionIndex, answer); err != nil {
				return err
			}
		} else {
			sq, err := p.securityQuestion(ctx, owner)
			if err != nil {
				return err
			}
			if sq == nil {
				return ErrNoSession
			}
			if bcrypt.CompareHashAndPassword([]byte(sq.AnswerHash), []byte(answer)) != nil {
				return p.question.Fail(ctx, owner)
			}
			if err := p.question.Reset(ctx, owner); err != nil {
				return err
			}
		}

		hasPassword, err := p.hasPassword(ctx, owner)
		if err != nil {
			return err
		}
		sess.Stage = domain.ExportStageAnsweringPassword
		prompt = &Prompt{Stage: sess.Stage, Setup: !hasPassword}
		return p.save(ctx, sess)
	})
	return prompt, err
}

// SubmitPassword sets or checks the export password. On success the owner
// moves to AWAITING_TOTP, enrolling an authenticator first if needed.
func (p *Protocol) SubmitPassword(ctx context.Context, owner, password string) (*Prompt, error) {
	var prompt *Prompt
	err := p.locked(ctx, owner, func(ctx context.Context) error {
		sess, err := p.load(ctx, owner, domain.ExportStageAnsweringPassword)
		if err != nil {
			return err
		}
		if err := p.password.Check(ctx, owner); err != nil {
			return err
		}
		if err := validPassword(password); err != nil {
			return err
		}

		stored, err := p.kv.Get(ctx, passwordKey(owner))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if err := p.storePassword(ctx, owner, password); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("read export password: %w", err)
		default:
			if err := p.checkPassword(ctx, owner, stored, password); err != nil {
				return err
			}
			if err := p.password.Reset(ctx, owner); err != nil {
				return err
			}
		}

		sess.Stage = domain.ExportStageAwaitingTOTP
		prompt = &Prompt{Stage: sess.Stage}

		enrolled, err := p.auth.Enrolled(ctx, owner)
		if err != nil {
			return err
		}
		if !enrolled {
			enr, err := p.auth.Generate(ctx, owner)
			switch {
			case errors.Is(err, totp.ErrAlreadyEnrolled):
			case err != nil:
				return err
			default:
				prompt.Setup = true
				prompt.Enrollment = enr
			}
		}
		return p.save(ctx, sess)
	})
	return prompt, err
}

// SubmitCode checks the final TOTP or backup code and, on success, ends the
// session and releases the key. Malformed codes consume no attempt.
func (p *Protocol) SubmitCode(ctx context.Context, owner, code string) (*Result, error) {
	var res *Result
	err := p.locked(ctx, owner, func(ctx context.Context) error {
		if _, err := p.load(ctx, owner, domain.ExportStageAwaitingTOTP); err != nil {
			return err
		}
		for _, l := range []*attempts.Limiter{p.question, p.password, p.code} {
			if err := l.Check(ctx, owner); err != nil {
				return err
			}
		}
		if err := p.checkCode(ctx, owner, code); err != nil {
			return err
		}

		if err := p.kv.Del(ctx, sessionKey(owner)); err != nil {
			return fmt.Errorf("end export session: %w", err)
		}
		for _, l := range []*attempts.Limiter{p.question, p.password, p.code} {
			if err := l.Reset(ctx, owner); err != nil {
				p.log.WithError(err).WithField("owner", owner).Warn("failed to reset export counter")
			}
		}

		w, err := p.wallets.Selected(ctx, owner)
		if err != nil {
			return err
		}
		secret, err := p.wallets.ExportKey(ctx, owner)
		if err != nil {
			return err
		}
		res = &Result{PublicKey: w.PublicKey, SecretKey: secret}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.metrics.RecordExport()
	p.log.WithFields(logrus.Fields{"owner": owner, "stage": domain.ExportStageComplete}).Warn("export completed")
	return res, nil
}

// SecondFactor reports the owner's authenticator state.
func (p *Protocol) SecondFactor(ctx context.Context, owner string) (*FactorStatus, error) {
	enrolled, err := p.auth.Enrolled(ctx, owner)
	if err != nil {
		return nil, err
	}
	st := &FactorStatus{Enrolled: enrolled}
	if !enrolled {
		return st, nil
	}
	if st.BackupCodes, err = p.auth.RemainingBackupCodes(ctx, owner); err != nil {
		return nil, err
	}
	if st.Locked, st.LockedFor, err = p.auth.Locked(ctx, owner); err != nil {
		return nil, err
	}
	return st, nil
}

// RotateSecondFactor replaces the owner's authenticator secret and backup
// codes. It requires the export password and a current code, each counted
// against its own layer, and runs under the export lock.
func (p *Protocol) RotateSecondFactor(ctx context.Context, owner, password, code string) (*totp.Enrollment, error) {
	var enr *totp.Enrollment
	err := p.locked(ctx, owner, func(ctx context.Context) error {
		for _, l := range []*attempts.Limiter{p.password, p.code} {
			if err := l.Check(ctx, owner); err != nil {
				return err
			}
		}
		enrolled, err := p.auth.Enrolled(ctx, owner)
		if err != nil {
			return err
		}
		if !enrolled {
			return totp.ErrNotEnrolled
		}
		if err := validPassword(password); err != nil {
			return err
		}

		stored, err := p.kv.Get(ctx, passwordKey(owner))
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNoPassword
		}
		if err != nil {
			return fmt.Errorf("read export password: %w", err)
		}
		if err := p.checkPassword(ctx, owner, stored, password); err != nil {
			return err
		}
		if err := p.checkCode(ctx, owner, code); err != nil {
			return err
		}

		for _, l := range []*attempts.Limiter{p.password, p.code} {
			if err := l.Reset(ctx, owner); err != nil {
				p.log.WithError(err).WithField("owner", owner).Warn("failed to reset export counter")
			}
		}
		enr, err = p.auth.Regenerate(ctx, owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.WithField("owner", owner).Warn("authenticator rotated")
	return enr, nil
}

// Cancel discards the session. Permanent question and password records stay.
func (p *Protocol) Cancel(ctx context.Context, owner string) error {
	if err := p.kv.Del(ctx, sessionKey(owner)); err != nil {
		return fmt.Errorf("cancel export: %w", err)
	}
	p.log.WithField("owner", owner).Info("export cancelled")
	return nil
}

// Session returns the live session, or ErrNoSession.
func (p *Protocol) Session(ctx context.Context, owner string) (*domain.ExportSession, error) {
	return p.load(ctx, owner, "")
}

func validPassword(password string) error {
	if len(password) < MinPasswordLen {
		return ErrPasswordTooShort
	}
	if len(password) > MaxPasswordLen {
		return ErrPasswordTooLong
	}
	return nil
}

// checkPassword compares password with the stored hash. A mismatch counts
// against the password layer.
func (p *Protocol) checkPassword(ctx context.Context, owner, stored, password string) error {
	if bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) != nil {
		return p.password.Fail(ctx, owner)
	}
	return nil
}

// checkCode verifies a TOTP or backup code. A wrong code counts against both
// the authenticator and the export code layer; a malformed one against neither.
func (p *Protocol) checkCode(ctx context.Context, owner, code string) error {
	if locked, remaining, err := p.auth.Locked(ctx, owner); err != nil {
		return err
	} else if locked {
		return &attempts.LockedError{Layer: "totp", Remaining: remaining}
	}
	if !totp.ValidFormat(code) {
		return totp.ErrMalformedCode
	}

	if err := p.auth.Verify(ctx, owner, code); err != nil {
		if !errors.Is(err, attempts.ErrAuthorizationFailed) && !errors.Is(err, attempts.ErrAuthorizationLocked) {
			return err
		}
		layerErr := p.code.Fail(ctx, owner)
		if errors.Is(err, attempts.ErrAuthorizationLocked) {
			return err
		}
		return layerErr
	}
	return nil
}

func (p *Protocol) locked(ctx context.Context, owner string, fn func(context.Context) error) error {
	return p.locker.Do(ctx, owner, lock.ActionExport, lock.ExportTTL, fn)
}

// load returns the live session and checks that it is at stage (any stage
// when empty).
func (p *Protocol) load(ctx context.Context, owner string, stage domain.ExportStage) (*domain.ExportSession, error) {
	raw, err := p.kv.Get(ctx, sessionKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read export session: %w", err)
	}

	var sess domain.ExportSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode export session: %w", err)
	}
	if !p.now().Before(sess.ExpiresAt) {
		_ = p.kv.Del(ctx, sessionKey(owner))
		return nil, ErrNoSession
	}
	if stage != "" && sess.Stage != stage {
		return nil, fmt.Errorf("%w: at %s", ErrOutOfSequence, sess.Stage)
	}
	return &sess, nil
}

// save writes the session with a fresh stage window.
func (p *Protocol) save(ctx context.Context, sess *domain.ExportSession) error {
	sess.ExpiresAt = p.now().UTC().Add(p.cfg.StageTTL)
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode export session: %w", err)
	}
	if err := p.kv.Set(ctx, sessionKey(sess.Owner), string(data), p.cfg.StageTTL); err != nil {
		return fmt.Errorf("write export session: %w", err)
	}
	return nil
}

func (p *Protocol) securityQuestion(ctx context.Context, owner string) (*domain.SecurityQuestion, error) {
	raw, err := p.kv.Get(ctx, questionKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read security question: %w", err)
	}
	var sq domain.SecurityQuestion
	if err := json.Unmarshal([]byte(raw), &sq); err != nil {
		return nil, fmt.Errorf("decode security question: %w", err)
	}
	if sq.Index < 0 || sq.Index >= len(Questions) {
		return nil, ErrInvalidQuestion
	}
	return &sq, nil
}

// storeQuestion persists the first-time answer. An existing record is never
// overwritten.
func (p *Protocol) storeQuestion(ctx context.Context, owner string, index int, answer string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(answer), p.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash answer: %w", err)
	}
	data, err := json.Marshal(domain.SecurityQuestion{Index: index, AnswerHash: string(hash)})
	if err != nil {
		return fmt.Errorf("encode security question: %w", err)
	}
	ok, err := p.kv.SetNX(ctx, questionKey(owner), string(data), 0)
	if err != nil {
		return fmt.Errorf("store security question: %w", err)
	}
	if !ok {
		return ErrOutOfSequence
	}
	return nil
}

func (p *Protocol) hasPassword(ctx context.Context, owner string) (bool, error) {
	_, err := p.kv.Get(ctx, passwordKey(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read export password: %w", err)
	}
	return true, nil
}

func (p *Protocol) storePassword(ctx context.Context, owner, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	ok, err := p.kv.SetNX(ctx, passwordKey(owner), string(hash), 0)
	if err != nil {
		return fmt.Errorf("store export password: %w", err)
	}
	if !ok {
		return ErrOutOfSequence
	}
	return nil
}
