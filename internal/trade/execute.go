package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/lock"
	"solana-custody/internal/solana"
)

// Execute runs the intent to a terminal state under the owner's trade lock.
//
// lock.ErrBusy leaves the intent untouched. A state conflict ends the run
// silently and returns nil. Any other failure moves the record to FAILED and
// is returned wrapped.
func (l *Ledger) Execute(ctx context.Context, id string) error {
	intent, err := l.Intent(ctx, id)
	if err != nil {
		return err
	}

	lease, err := l.Locker.Acquire(ctx, intent.Owner, lock.ActionTrade, l.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))

	log := l.log.WithFields(logrus.Fields{"owner": intent.Owner, "trade_id": intent.ID})
	e := &execution{Ledger: l, intent: intent, log: log, state: domain.TradeStateInit}

	err = e.run(ctx)
	switch {
	case err == nil:
		log.WithField("signature", e.signature).Info("trade confirmed")
		l.finish(context.WithoutCancel(ctx), intent, domain.TradeStateConfirmed, "")
		return nil
	case errors.Is(err, ErrStateConflict):
		log.WithError(err).Debug("trade owned by another execution")
		return nil
	}

	code := domain.TradeErrInternal
	var se *stepError
	if errors.As(err, &se) {
		code = se.code
	}
	// Recording must survive a cancelled caller once work has started.
	rctx := context.WithoutCancel(ctx)
	ferr := l.transition(rctx, id, e.state, domain.TradeStateFailed, map[string]string{
		fieldErrorCode: code,
		fieldError:     err.Error(),
	})
	if ferr != nil {
		if errors.Is(ferr, ErrStateConflict) {
			return nil
		}
		log.WithError(ferr).Error("failed trade not recorded")
		return err
	}

	log.WithError(err).WithFields(logrus.Fields{"code": code, "state": e.state}).Warn("trade failed")
	l.finish(rctx, intent, domain.TradeStateFailed, code)
	return err
}

// execution carries one run of Execute.
type execution struct {
	*Ledger
	intent    *domain.TradeIntent
	log       logrus.FieldLogger
	state     domain.TradeState
	signature string
}

func (e *execution) advance(ctx context.Context, to domain.TradeState, fields map[string]string) error {
	if err := e.transition(ctx, e.intent.ID, e.state, to, fields); err != nil {
		return err
	}
	e.state = to
	return nil
}

func (e *execution) run(ctx context.Context) error {
	if err := e.validate(); err != nil {
		return err
	}
	if err := e.advance(ctx, domain.TradeStateValidated, nil); err != nil {
		return err
	}

	wallet, err := e.Wallets.Selected(ctx, e.intent.Owner)
	if err != nil {
		return fail(domain.TradeErrWalletNotFound, fmt.Errorf("load wallet: %w", err))
	}

	balance, err := e.Balances.Balance(ctx, wallet.PublicKey, e.intent.InputMint)
	if err != nil {
		return fail(domain.TradeErrInternal, fmt.Errorf("read balance: %w", err))
	}
	if balance < e.intent.Amount {
		return fail(domain.TradeErrInsufficientBalance,
			fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, e.intent.Amount))
	}

	route, err := e.Router.Quote(ctx, e.intent.InputMint, e.intent.OutputMint, e.intent.Amount, e.intent.SlippageBps)
	if errors.Is(err, domain.ErrRouteNotFound) {
		return fail(domain.TradeErrNoRoute, err)
	}
	if err != nil {
		return fail(domain.TradeErrQuoteFailed, fmt.Errorf("%w: %v", ErrQuoteFailed, err))
	}
	if err := e.advance(ctx, domain.TradeStateQuoted, map[string]string{fieldRoute: routeSnapshot(route)}); err != nil {
		return err
	}

	unsigned, err := e.Router.BuildSwap(ctx, route, wallet.PublicKey)
	if err != nil {
		return fail(domain.TradeErrBuildFailed, fmt.Errorf("build swap: %w", err))
	}

	sim, err := e.RPC.SimulateTransaction(ctx, unsigned)
	if err != nil {
		return fail(domain.TradeErrSimulationFailed, fmt.Errorf("%w: %v", ErrSimulationFailed, err))
	}
	if sim.Failed() {
		return fail(domain.TradeErrSimulationFailed, fmt.Errorf("%w: %v", ErrSimulationFailed, sim.Err))
	}
	if err := e.advance(ctx, domain.TradeStateSimulated, nil); err != nil {
		return err
	}

	// Cancellation stops at signing. From here the run ends CONFIRMED or
	// FAILED, bounded by the send attempts and the confirmation timeout.
	ctx = context.WithoutCancel(ctx)

	var signed string
	err = e.Wallets.WithSigner(ctx, wallet, func(s solana.Signer) error {
		var serr error
		signed, e.signature, serr = solana.SignTransaction(unsigned, s)
		return serr
	})
	if err != nil {
		return fail(domain.TradeErrSigningFailed, fmt.Errorf("sign: %w", err))
	}

	// Claim the broadcast. A conflict here means another run already sent.
	if err := e.advance(ctx, domain.TradeStateSent, map[string]string{fieldSignature: e.signature}); err != nil {
		return err
	}

	err = e.send(ctx, signed)
	if ierr := e.Balances.Invalidate(ctx, wallet.PublicKey); ierr != nil {
		e.log.WithError(ierr).Debug("balance cache not invalidated")
	}
	if err != nil {
		return fail(domain.TradeErrBroadcastFailed, fmt.Errorf("%w: %v", ErrBroadcastFailed, err))
	}

	if err := e.Confirmer.Await(ctx, e.signature); err != nil {
		return fail(domain.TradeErrConfirmationFailed, fmt.Errorf("confirm %s: %w", e.signature, err))
	}
	return e.advance(ctx, domain.TradeStateConfirmed, nil)
}

func (e *execution) validate() error {
	in, out := e.intent.InputMint, e.intent.OutputMint
	if !solana.ValidAddress(in) || !solana.ValidAddress(out) || in == out {
		return fail(domain.TradeErrInvalidAsset, fmt.Errorf("%w: mint pair %s/%s", ErrInvalidIntent, in, out))
	}
	if e.intent.SlippageBps <= 0 || e.intent.SlippageBps > e.cfg.MaxSlippageBps {
		return fail(domain.TradeErrInvalidAsset, fmt.Errorf("%w: slippage %d bps", ErrInvalidIntent, e.intent.SlippageBps))
	}
	if e.intent.Source == domain.TradeSourceManual && e.intent.Side == domain.TradeSideBuy &&
		in == domain.WrappedSOLMint && e.cfg.MaxManualBuy > 0 && e.intent.Amount > e.cfg.MaxManualBuy {
		return fail(domain.TradeErrAmountLimit, fmt.Errorf("%w: %s SOL", ErrAmountLimit,
			domain.FormatUnits(e.intent.Amount, domain.SOLDecimals)))
	}
	return nil
}

// send broadcasts with bounded retry and doubling backoff. The node is
// asked to resend as well, so only transport failures are retried here.
func (e *execution) send(ctx context.Context, signed string) error {
	backoff := e.cfg.SendBackoff
	var lastErr error
	for attempt := 1; attempt <= e.cfg.SendAttempts; attempt++ {
		sig, err := e.RPC.SendTransaction(ctx, signed)
		if err == nil {
			if sig != e.signature {
				e.log.WithFields(logrus.Fields{"expected": e.signature, "got": sig}).Warn("node returned unexpected signature")
			}
			return nil
		}
		lastErr = err

		var rpcErr *solana.RPCError
		if errors.As(err, &rpcErr) || attempt == e.cfg.SendAttempts {
			break
		}
		e.log.WithError(err).WithField("attempt", attempt).Debug("broadcast retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// routeSnapshot keeps the quote summary without the provider payload.
func routeSnapshot(r *domain.Route) string {
	snap := *r
	snap.Raw = nil
	data, err := json.Marshal(snap)
	if err != nil {
		return ""
	}
	return string(data)
}
