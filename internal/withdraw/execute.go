package withdraw

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/solana"
)

// stepError ties a failure to its record code.
type stepError struct {
	code string
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &stepError{code: code, err: err} }

type execution struct {
	*Service
	wd    *domain.Withdrawal
	log   logrus.FieldLogger
	state domain.WithdrawalState
}

func (e *execution) advance(ctx context.Context, to domain.WithdrawalState, fields map[string]string) error {
	if err := e.transition(ctx, e.wd.ID, e.state, to, fields); err != nil {
		return err
	}
	e.state = to
	return nil
}

// execute runs an approved request to CONFIRMED or FAILED. The caller holds
// the owner's trade lock.
func (s *Service) execute(ctx context.Context, wd *domain.Withdrawal) error {
	log := s.log.WithFields(logrus.Fields{"owner": wd.Owner, "withdrawal_id": wd.ID})
	e := &execution{Service: s, wd: wd, log: log, state: domain.WithdrawalPending}

	err := e.run(ctx)
	if err == nil {
		s.Metrics.RecordWithdrawal(string(domain.WithdrawalConfirmed), "")
		log.Info("withdrawal confirmed")
		return nil
	}
	if errors.Is(err, ErrStateConflict) {
		log.WithError(err).Debug("withdrawal owned by another run")
		return err
	}

	code := domain.TradeErrInternal
	var se *stepError
	if errors.As(err, &se) {
		code = se.code
	}
	rctx := context.WithoutCancel(ctx)
	ferr := s.transition(rctx, wd.ID, e.state, domain.WithdrawalFailed, map[string]string{
		fieldErrorCode: code,
		fieldError:     err.Error(),
	})
	if ferr != nil {
		log.WithError(ferr).Error("failed withdrawal not recorded")
		return err
	}
	s.Metrics.RecordWithdrawal(string(domain.WithdrawalFailed), code)
	log.WithError(err).WithFields(logrus.Fields{"code": code, "state": e.state}).Warn("withdrawal failed")
	return err
}

func (e *execution) run(ctx context.Context) error {
	if err := e.advance(ctx, domain.WithdrawalApproved, nil); err != nil {
		return err
	}

	wallet, err := e.Wallets.Get(ctx, e.wd.WalletID)
	if err != nil {
		return fail(domain.TradeErrWalletNotFound, fmt.Errorf("load wallet: %w", err))
	}
	from, err := solana.ParsePublicKey(wallet.PublicKey)
	if err != nil {
		return fail(domain.TradeErrWalletNotFound, fmt.Errorf("wallet address: %w", err))
	}
	to, err := solana.ParseWalletAddress(e.wd.To)
	if err != nil {
		return fail(domain.TradeErrInvalidAsset, fmt.Errorf("%w: %v", ErrInvalidDestination, err))
	}

	balance, err := e.Balances.Balance(ctx, wallet.PublicKey, domain.WrappedSOLMint)
	if err != nil {
		return fail(domain.TradeErrInternal, fmt.Errorf("read balance: %w", err))
	}
	if need := e.wd.Lamports + Fee; need < e.wd.Lamports || balance < need {
		return fail(domain.TradeErrInsufficientBalance,
			fmt.Errorf("%w: have %d, need %d plus fee %d", ErrInsufficientBalance, balance, e.wd.Lamports, Fee))
	}

	hash, err := e.RPC.GetLatestBlockhash(ctx)
	if err != nil {
		return fail(domain.TradeErrBuildFailed, fmt.Errorf("latest blockhash: %w", err))
	}
	blockhash, err := base58.Decode(hash)
	if err != nil {
		return fail(domain.TradeErrBuildFailed, fmt.Errorf("decode blockhash: %w", err))
	}
	msg, err := solana.TransferMessage(from, to, e.wd.Lamports, blockhash)
	if err != nil {
		return fail(domain.TradeErrBuildFailed, fmt.Errorf("build transfer: %w", err))
	}
	unsigned, err := solana.NewUnsignedTransaction(msg)
	if err != nil {
		return fail(domain.TradeErrBuildFailed, fmt.Errorf("build transfer: %w", err))
	}

	// Cancellation stops here, as for trades.
	ctx = context.WithoutCancel(ctx)

	var signed, signature string
	err = e.Wallets.WithSigner(ctx, wallet, func(sg solana.Signer) error {
		var serr error
		signed, signature, serr = solana.SignTransaction(unsigned, sg)
		return serr
	})
	if err != nil {
		return fail(domain.TradeErrSigningFailed, fmt.Errorf("sign: %w", err))
	}

	if err := e.advance(ctx, domain.WithdrawalSent, map[string]string{fieldSignature: signature}); err != nil {
		return err
	}
	sig, err := e.RPC.SendTransaction(ctx, signed)
	if ierr := e.Balances.Invalidate(ctx, wallet.PublicKey); ierr != nil {
		e.log.WithError(ierr).Debug("balance cache not invalidated")
	}
	if err != nil {
		return fail(domain.TradeErrBroadcastFailed, fmt.Errorf("%w: %v", ErrBroadcastFailed, err))
	}
	if sig != signature {
		e.log.WithFields(logrus.Fields{"expected": signature, "got": sig}).Warn("node returned unexpected signature")
	}

	if err := e.Confirmer.Await(ctx, signature); err != nil {
		return fail(domain.TradeErrConfirmationFailed, fmt.Errorf("confirm %s: %w", signature, err))
	}
	return e.advance(ctx, domain.WithdrawalConfirmed, nil)
}
