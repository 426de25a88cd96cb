// Package gateway bridges chat platform events to the custody core.
//
// Every event is handled for one owner. Errors from the core are logged in
// full and answered with a fixed, sanitized message; secret material only
// ever leaves through the export reply.
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"solana-custody/internal/attempts"
	"solana-custody/internal/domain"
	"solana-custody/internal/export"
	"solana-custody/internal/orders"
	"solana-custody/internal/totp"
)

// Wallets is the custody surface the gateway drives.
type Wallets interface {
	CreateWallet(ctx context.Context, owner, name string) (*domain.Wallet, error)
	List(ctx context.Context, owner string) ([]*domain.Wallet, error)
	Select(ctx context.Context, owner, id string) error
	Selected(ctx context.Context, owner string) (*domain.Wallet, error)
}

// Exporter runs the key export challenge sequence.
type Exporter interface {
	Begin(ctx context.Context, owner string) (*export.Prompt, error)
	ChooseQuestion(ctx context.Context, owner string, index int) (*export.Prompt, error)
	SubmitAnswer(ctx context.Context, owner, answer string) (*export.Prompt, error)
	SubmitPassword(ctx context.Context, owner, password string) (*export.Prompt, error)
	SubmitCode(ctx context.Context, owner, code string) (*export.Result, error)
	Cancel(ctx context.Context, owner string) error
	Session(ctx context.Context, owner string) (*domain.ExportSession, error)
	SecondFactor(ctx context.Context, owner string) (*export.FactorStatus, error)
	RotateSecondFactor(ctx context.Context, owner, password, code string) (*totp.Enrollment, error)
}

// Ledger submits and reports trades.
type Ledger interface {
	Submit(ctx context.Context, intent *domain.TradeIntent) (string, error)
	Execute(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.TradeRecord, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*domain.TradeRecord, error)
}

// Balances reads cached balances.
type Balances interface {
	Balance(ctx context.Context, account, mint string) (uint64, error)
}

// Withdrawals requests and approves SOL transfers out of custody.
type Withdrawals interface {
	Request(ctx context.Context, owner, to string, lamports uint64) (*domain.Withdrawal, error)
	Approve(ctx context.Context, owner, code string) (*domain.Withdrawal, error)
	Cancel(ctx context.Context, owner string) error
}

// Deps are the collaborators of a Handler. Withdrawals may be nil.
type Deps struct {
	Wallets     Wallets
	Exports     Exporter
	Ledger      Ledger
	Orders      *orders.Store
	Balances    Balances
	Withdrawals Withdrawals
	Limiter     *attempts.RateLimiter
	Outbox      *Outbox
}

// Config tunes command defaults.
type Config struct {
	SlippageBps  int
	TradeTimeout time.Duration
}

// Handler dispatches events.
type Handler struct {
	Deps
	cfg      Config
	log      logrus.FieldLogger
	commands map[string]command
}

type command struct {
	limit string // rate limit rule, empty for none
	run   func(ctx context.Context, ev Event, args []string) ([]Reply, error)
}

// New creates a Handler.
func New(deps Deps, cfg Config, log logrus.FieldLogger) *Handler {
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = domain.DefaultSlippageBps
	}
	if cfg.TradeTimeout <= 0 {
		cfg.TradeTimeout = 2 * time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Handler{
		Deps: deps,
		cfg:  cfg,
		log:  log.WithField("component", "gateway"),
	}
	h.commands = map[string]command{
		"/start":   {run: h.help},
		"/help":    {run: h.help},
		"/wallet":  {limit: "wallet", run: h.wallet},
		"/balance": {limit: "wallet", run: h.balance},
		"/buy":     {limit: "buy", run: h.buy},
		"/sell":    {limit: "sell", run: h.sell},
		"/trades":  {limit: "trades", run: h.trades},
		"/trade":   {limit: "trades", run: h.tradeStatus},
		"/export":  {limit: "export", run: h.exportBegin},
		"/cancel":  {run: h.cancel},
		"/send":    {limit: "withdraw", run: h.withdraw},
		"/approve": {limit: "withdraw", run: h.approveWithdrawal},
		"/2fa":     {limit: "export", run: h.secondFactor},
		"/dca":     {run: h.dca},
		"/limit":   {run: h.limitOrder},
		"/alert":   {run: h.alert},
		"/orders":  {run: h.listOrders},
		"/unorder": {run: h.cancelOrder},
	}
	return h
}

// Handle processes one event and returns the replies to send.
func (h *Handler) Handle(ctx context.Context, ev Event) []Reply {
	log := h.log.WithFields(logrus.Fields{"owner": ev.Owner, "kind": ev.Kind})

	replies, err := h.dispatch(ctx, ev)
	if err != nil {
		reply := sanitize(err)
		// Challenge input is never logged; the error text carries no input.
		log.WithError(err).WithField("reply", reply).Warn("event failed")
		return text(reply)
	}
	return replies
}

func (h *Handler) dispatch(ctx context.Context, ev Event) ([]Reply, error) {
	if ev.Owner == "" {
		return nil, errUsage("Unknown sender.")
	}
	data := strings.TrimSpace(ev.Data)

	switch ev.Kind {
	case EventCallback:
		return h.callback(ctx, ev, data)
	case EventText:
	default:
		return nil, errUsage("Unsupported event.")
	}

	if !strings.HasPrefix(data, "/") {
		return h.challenge(ctx, ev, data)
	}

	fields := strings.Fields(data)
	name := strings.ToLower(fields[0])
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	cmd, ok := h.commands[name]
	if !ok {
		return nil, errUsage("Unknown command. Send /help for the list.")
	}
	if cmd.limit != "" && h.Limiter != nil {
		if err := h.Limiter.Allow(ctx, ev.Owner, cmd.limit); err != nil {
			return nil, err
		}
	}
	return cmd.run(ctx, ev, fields[1:])
}

// callback handles button data of the form <scope>:<action>[:<arg>].
func (h *Handler) callback(ctx context.Context, ev Event, data string) ([]Reply, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 {
		return nil, errUsage("Unknown action.")
	}
	arg := ""
	if len(parts) == 3 {
		arg = parts[2]
	}

	switch parts[0] + ":" + parts[1] {
	case "wallet:select":
		return h.selectWallet(ctx, ev.Owner, arg)
	case "export:question":
		return h.exportQuestion(ctx, ev.Owner, arg)
	case "export:cancel":
		return h.exportCancel(ctx, ev, nil)
	case "order:cancel":
		return h.cancelOrder(ctx, ev, []string{arg})
	}
	return nil, errUsage("Unknown action.")
}

// challenge routes free text to the export step awaiting it.
func (h *Handler) challenge(ctx context.Context, ev Event, input string) ([]Reply, error) {
	sess, err := h.Exports.Session(ctx, ev.Owner)
	if errors.Is(err, export.ErrNoSession) {
		return h.help(ctx, ev, nil)
	}
	if err != nil {
		return nil, err
	}

	switch sess.Stage {
	case domain.ExportStageAnsweringQuestion:
		p, err := h.Exports.SubmitAnswer(ctx, ev.Owner, input)
		if err != nil {
			return nil, err
		}
		return promptReplies(p), nil
	case domain.ExportStageAnsweringPassword:
		p, err := h.Exports.SubmitPassword(ctx, ev.Owner, input)
		if err != nil {
			return nil, err
		}
		return promptReplies(p), nil
	case domain.ExportStageAwaitingTOTP:
		res, err := h.Exports.SubmitCode(ctx, ev.Owner, input)
		if err != nil {
			return nil, err
		}
		return exportReplies(res), nil
	}
	return nil, errUsage("Choose a security question with the buttons above.")
}

// usageError is a user mistake whose text is safe to show as is.
type usageError string

func errUsage(s string) error      { return usageError(s) }
func (e usageError) Error() string { return string(e) }
