package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"solana-custody/internal/domain"
	"solana-custody/internal/export"
	"solana-custody/internal/lock"
	"solana-custody/internal/orders"
	"solana-custody/internal/totp"
	"solana-custody/internal/withdraw"
)

const helpText = `Commands:
/wallet - list wallets
/wallet new <name> - create a wallet
/wallet select <id> - switch the active wallet
/balance - SOL balance of the active wallet
/buy <mint> <sol> - buy a token with SOL
/sell <mint> <units> - sell token base units for SOL
/trades - recent trades
/trade <id> - trade status
/send <sol> <address> - withdraw SOL from the active wallet
/approve <code> - confirm a pending withdrawal
/export - export the active wallet key
/cancel - abort a pending withdrawal or an export
/2fa - authenticator status
/2fa regenerate <password> <code> - replace authenticator and backup codes
/dca <mint> <sol> <interval> - recurring buy
/limit <buy|tp|sl|trail> <mint> <amount> <price> [trail%] - limit order
/alert <mint> <above|below> <price> - price alert
/orders - list orders
/unorder <id> - cancel an order`

func (h *Handler) help(context.Context, Event, []string) ([]Reply, error) {
	return text(helpText), nil
}

func (h *Handler) wallet(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) == 0 {
		return h.listWallets(ctx, ev.Owner)
	}
	switch strings.ToLower(args[0]) {
	case "new":
		name := strings.Join(args[1:], " ")
		w, err := h.Wallets.CreateWallet(ctx, ev.Owner, name)
		if err != nil {
			return nil, err
		}
		return text(fmt.Sprintf("Wallet %q created.\nAddress: %s", w.Name, w.PublicKey)), nil
	case "select":
		if len(args) != 2 {
			return nil, errUsage("Usage: /wallet select <id>")
		}
		return h.selectWallet(ctx, ev.Owner, args[1])
	}
	return nil, errUsage("Usage: /wallet [new <name> | select <id>]")
}

func (h *Handler) listWallets(ctx context.Context, owner string) ([]Reply, error) {
	ws, err := h.Wallets.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(ws) == 0 {
		return text("You have no wallets yet. Create one with /wallet new <name>."), nil
	}
	selected := ""
	if w, err := h.Wallets.Selected(ctx, owner); err == nil {
		selected = w.ID
	}

	var b strings.Builder
	b.WriteString("Your wallets:")
	for _, w := range ws {
		mark := " "
		if w.ID == selected {
			mark = "*"
		}
		fmt.Fprintf(&b, "\n%s %s %s (%s)", mark, w.Name, w.PublicKey, w.ID)
	}
	return text(b.String()), nil
}

func (h *Handler) selectWallet(ctx context.Context, owner, id string) ([]Reply, error) {
	if err := h.Wallets.Select(ctx, owner, id); err != nil {
		return nil, err
	}
	return text("Active wallet switched."), nil
}

func (h *Handler) balance(ctx context.Context, ev Event, _ []string) ([]Reply, error) {
	w, err := h.Wallets.Selected(ctx, ev.Owner)
	if err != nil {
		return nil, err
	}
	lamports, err := h.Balances.Balance(ctx, w.PublicKey, domain.WrappedSOLMint)
	if err != nil {
		return nil, err
	}
	return text(fmt.Sprintf("%s: %s SOL", w.Name, domain.FormatUnits(lamports, domain.SOLDecimals))), nil
}

func (h *Handler) buy(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) != 2 {
		return nil, errUsage("Usage: /buy <mint> <sol>")
	}
	lamports, err := domain.ParseUnits(args[1], domain.SOLDecimals)
	if err != nil || lamports == 0 {
		return nil, errUsage("Amount must be a positive SOL value.")
	}
	return h.swap(ctx, &domain.TradeIntent{
		Owner:      ev.Owner,
		Side:       domain.TradeSideBuy,
		InputMint:  domain.WrappedSOLMint,
		OutputMint: args[0],
		Amount:     lamports,
	})
}

func (h *Handler) sell(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) != 2 {
		return nil, errUsage("Usage: /sell <mint> <units>")
	}
	units, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil || units == 0 {
		return nil, errUsage("Amount must be a positive number of token base units.")
	}
	return h.swap(ctx, &domain.TradeIntent{
		Owner:      ev.Owner,
		Side:       domain.TradeSideSell,
		InputMint:  args[0],
		OutputMint: domain.WrappedSOLMint,
		Amount:     units,
	})
}

// swap submits a manual intent and runs it to a terminal state.
func (h *Handler) swap(ctx context.Context, intent *domain.TradeIntent) ([]Reply, error) {
	intent.SlippageBps = h.cfg.SlippageBps
	intent.Source = domain.TradeSourceManual

	id, err := h.Ledger.Submit(ctx, intent)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.TradeTimeout)
	defer cancel()
	execErr := h.Ledger.Execute(ctx, id)
	if errors.Is(execErr, lock.ErrBusy) {
		return nil, execErr
	}

	// A failed run is reported from its record.
	rec, err := h.Ledger.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		if execErr != nil {
			return nil, execErr
		}
		return nil, err
	}
	if execErr != nil {
		h.log.WithError(execErr).WithField("trade_id", id).Info("manual trade failed")
	}
	return text(formatTrade(rec)), nil
}

func (h *Handler) trades(ctx context.Context, ev Event, _ []string) ([]Reply, error) {
	recs, err := h.Ledger.ListByOwner(ctx, ev.Owner, 10)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return text("No trades yet."), nil
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, formatTrade(r))
	}
	return text(strings.Join(lines, "\n\n")), nil
}

func (h *Handler) tradeStatus(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) != 1 {
		return nil, errUsage("Usage: /trade <id>")
	}
	rec, err := h.Ledger.Get(ctx, args[0])
	if err != nil {
		return nil, err
	}
	if rec.Owner != ev.Owner {
		return nil, errUsage("Trade not found.")
	}
	return text(formatTrade(rec)), nil
}

func formatTrade(r *domain.TradeRecord) string {
	s := fmt.Sprintf("Trade %s: %s", r.IntentID, r.State)
	if r.Signature != "" {
		s += "\nTx: " + r.Signature
	}
	if r.State == domain.TradeStateFailed && r.ErrorCode != "" {
		s += "\nReason: " + tradeFailureText(r.ErrorCode)
	}
	return s
}

// withdraw parks a transfer until it is approved with a second factor code.
func (h *Handler) withdraw(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if h.Withdrawals == nil {
		return nil, errUsage("Withdrawals are not available.")
	}
	if len(args) != 2 {
		return nil, errUsage("Usage: /send <sol> <address>")
	}
	lamports, err := domain.ParseUnits(args[0], domain.SOLDecimals)
	if err != nil || lamports == 0 {
		return nil, errUsage("Amount must be a positive SOL value.")
	}
	wd, err := h.Withdrawals.Request(ctx, ev.Owner, args[1], lamports)
	if err != nil {
		return nil, err
	}
	return text(fmt.Sprintf("Send %s SOL to %s?\nThe network fee is %s SOL. Confirm with /approve <code> or abort with /cancel.",
		domain.FormatUnits(wd.Lamports, domain.SOLDecimals), wd.To, domain.FormatUnits(withdraw.Fee, domain.SOLDecimals))), nil
}

func (h *Handler) approveWithdrawal(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if h.Withdrawals == nil {
		return nil, errUsage("Withdrawals are not available.")
	}
	if len(args) != 1 {
		return nil, errUsage("Usage: /approve <code>")
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.TradeTimeout)
	defer cancel()
	wd, err := h.Withdrawals.Approve(ctx, ev.Owner, args[0])
	if wd == nil || wd.State == domain.WithdrawalPending {
		if err == nil {
			err = withdraw.ErrNoPending
		}
		return nil, err
	}
	if err != nil {
		h.log.WithError(err).WithField("withdrawal_id", wd.ID).Info("withdrawal failed")
	}
	return text(formatWithdrawal(wd)), nil
}

func formatWithdrawal(w *domain.Withdrawal) string {
	s := fmt.Sprintf("Withdrawal %s: %s SOL to %s %s", w.ID, domain.FormatUnits(w.Lamports, domain.SOLDecimals), w.To, w.State)
	if w.Signature != "" {
		s += "\nTx: " + w.Signature
	}
	if w.State == domain.WithdrawalFailed && w.ErrorCode != "" {
		s += "\nReason: " + tradeFailureText(w.ErrorCode)
	}
	return s
}

// cancel drops a pending withdrawal, or else aborts the export in progress.
func (h *Handler) cancel(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if h.Withdrawals != nil {
		err := h.Withdrawals.Cancel(ctx, ev.Owner)
		if err == nil {
			return text("Withdrawal cancelled."), nil
		}
		if !errors.Is(err, withdraw.ErrNoPending) {
			return nil, err
		}
	}
	return h.exportCancel(ctx, ev, args)
}

func (h *Handler) exportBegin(ctx context.Context, ev Event, _ []string) ([]Reply, error) {
	p, err := h.Exports.Begin(ctx, ev.Owner)
	if err != nil {
		return nil, err
	}
	return promptReplies(p), nil
}

func (h *Handler) exportQuestion(ctx context.Context, owner, arg string) ([]Reply, error) {
	idx, err := strconv.Atoi(arg)
	if err != nil {
		return nil, export.ErrInvalidQuestion
	}
	p, err := h.Exports.ChooseQuestion(ctx, owner, idx)
	if err != nil {
		return nil, err
	}
	return promptReplies(p), nil
}

func (h *Handler) exportCancel(ctx context.Context, ev Event, _ []string) ([]Reply, error) {
	if err := h.Exports.Cancel(ctx, ev.Owner); err != nil {
		return nil, err
	}
	return text("Export cancelled."), nil
}

func promptReplies(p *export.Prompt) []Reply {
	var out []Reply
	switch p.Stage {
	case domain.ExportStageChoosingQuestion:
		var b strings.Builder
		b.WriteString("Choose a security question:")
		for i, q := range p.Questions {
			fmt.Fprintf(&b, "\n[export:question:%d] %s", i, q)
		}
		out = append(out, Reply{Text: b.String()})
	case domain.ExportStageAnsweringQuestion:
		if p.Setup {
			out = append(out, Reply{Text: "Set your answer: " + p.Question})
		} else {
			out = append(out, Reply{Text: p.Question})
		}
	case domain.ExportStageAnsweringPassword:
		if p.Setup {
			out = append(out, Reply{Text: fmt.Sprintf("Choose an export password (at least %d characters).", export.MinPasswordLen)})
		} else {
			out = append(out, Reply{Text: "Enter your export password."})
		}
	case domain.ExportStageAwaitingTOTP:
		if p.Enrollment != nil {
			out = append(out, enrollmentReplies(p.Enrollment)...)
		}
		out = append(out, Reply{Text: "Enter the 6-digit code from your authenticator app or a backup code."})
	}
	return out
}

func enrollmentReplies(enr *totp.Enrollment) []Reply {
	return []Reply{
		{
			Text:  "Scan this code with your authenticator app, or enter the key manually:\n" + enr.Secret,
			Photo: enr.QRPNG,
		},
		{Text: "Backup codes (each works once):\n" + strings.Join(enr.BackupCodes, "\n")},
	}
}

// secondFactor reports the authenticator state or rotates it. Rotation takes
// the export password and a current code in one message.
func (h *Handler) secondFactor(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) == 0 {
		st, err := h.Exports.SecondFactor(ctx, ev.Owner)
		if err != nil {
			return nil, err
		}
		if !st.Enrolled {
			return text("Two-factor authentication is not set up. It is enrolled during your first /export."), nil
		}
		msg := fmt.Sprintf("Two-factor authentication is on. %d backup codes left.", st.BackupCodes)
		if st.Locked {
			msg += fmt.Sprintf("\nLocked for %s after failed attempts.", st.LockedFor.Round(time.Second))
		}
		return text(msg), nil
	}

	if strings.ToLower(args[0]) != "regenerate" || len(args) != 3 {
		return nil, errUsage("Usage: /2fa regenerate <password> <code>")
	}
	enr, err := h.Exports.RotateSecondFactor(ctx, ev.Owner, args[1], args[2])
	if err != nil {
		return nil, err
	}
	out := []Reply{{Text: "Authenticator replaced. The old codes no longer work."}}
	return append(out, enrollmentReplies(enr)...), nil
}

func exportReplies(res *export.Result) []Reply {
	return []Reply{
		{Text: "Address: " + res.PublicKey},
		{Text: "Private key (keep it offline, never share it):\n" + res.SecretKey},
	}
}

func (h *Handler) dca(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) != 3 {
		return nil, errUsage("Usage: /dca <mint> <sol> <interval>, e.g. /dca <mint> 0.5 24h")
	}
	lamports, err := domain.ParseUnits(args[1], domain.SOLDecimals)
	if err != nil || lamports == 0 {
		return nil, errUsage("Amount must be a positive SOL value.")
	}
	interval, err := time.ParseDuration(args[2])
	if err != nil {
		return nil, errUsage("Interval must look like 30m, 6h or 24h.")
	}
	o, err := h.Orders.CreateDCA(ctx, ev.Owner, args[0], lamports, interval)
	if err != nil {
		return nil, err
	}
	return text(fmt.Sprintf("DCA %s created: %s SOL every %s, first run %s.",
		o.ID, args[1], o.Interval, o.NextRunAt.Format(time.RFC3339))), nil
}

var limitKinds = map[string]domain.LimitKind{
	"buy":   domain.LimitKindBuy,
	"tp":    domain.LimitKindTakeProfit,
	"sl":    domain.LimitKindStopLoss,
	"trail": domain.LimitKindTrailingStop,
}

func (h *Handler) limitOrder(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) < 4 || len(args) > 5 {
		return nil, errUsage("Usage: /limit <buy|tp|sl|trail> <mint> <amount> <price> [trail%]")
	}
	kind, ok := limitKinds[strings.ToLower(args[0])]
	if !ok {
		return nil, errUsage("Kind must be buy, tp, sl or trail.")
	}

	// Buys spend SOL; sells spend token base units.
	var amount uint64
	var err error
	if kind == domain.LimitKindBuy {
		amount, err = domain.ParseUnits(args[2], domain.SOLDecimals)
	} else {
		amount, err = strconv.ParseUint(args[2], 10, 64)
	}
	if err != nil || amount == 0 {
		return nil, errUsage("Amount must be positive.")
	}
	price, err := decimal.NewFromString(args[3])
	if err != nil {
		return nil, errUsage("Price must be a number.")
	}

	p := orders.LimitParams{
		Owner:       ev.Owner,
		Mint:        args[1],
		Amount:      amount,
		Kind:        kind,
		TargetPrice: price,
	}
	if len(args) == 5 {
		pct, err := decimal.NewFromString(strings.TrimSuffix(args[4], "%"))
		if err != nil {
			return nil, errUsage("Trail must be a percentage.")
		}
		p.TrailPct = pct.Div(decimal.NewFromInt(100))
	}

	o, err := h.Orders.CreateLimit(ctx, p)
	if err != nil {
		return nil, err
	}
	return text(fmt.Sprintf("Limit %s created: %s when price %s $%s.",
		o.ID, o.Kind, conditionText(o.Condition), o.TargetPrice)), nil
}

func (h *Handler) alert(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) != 3 {
		return nil, errUsage("Usage: /alert <mint> <above|below> <price>")
	}
	var cond domain.PriceCondition
	switch strings.ToLower(args[1]) {
	case "above":
		cond = domain.ConditionGTE
	case "below":
		cond = domain.ConditionLTE
	default:
		return nil, errUsage("Direction must be above or below.")
	}
	price, err := decimal.NewFromString(args[2])
	if err != nil {
		return nil, errUsage("Price must be a number.")
	}
	a, err := h.Orders.CreateAlert(ctx, ev.Owner, args[0], cond, price)
	if err != nil {
		return nil, err
	}
	return text(fmt.Sprintf("Alert %s set: price %s $%s.", a.ID, conditionText(a.Condition), a.TargetPrice)), nil
}

func conditionText(c domain.PriceCondition) string {
	if c == domain.ConditionGTE {
		return "at or above"
	}
	return "at or below"
}

func (h *Handler) listOrders(ctx context.Context, ev Event, _ []string) ([]Reply, error) {
	list, err := h.Orders.List(ctx, ev.Owner)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return text("No orders."), nil
	}
	var b strings.Builder
	b.WriteString("Your orders:")
	for _, o := range list {
		status := "active"
		if !o.Active {
			status = "done"
		}
		fmt.Fprintf(&b, "\n%s %s %s (%s)", o.ID, o.Type, o.Mint, status)
	}
	return text(b.String()), nil
}

func (h *Handler) cancelOrder(ctx context.Context, ev Event, args []string) ([]Reply, error) {
	if len(args) != 1 || args[0] == "" {
		return nil, errUsage("Usage: /unorder <id>")
	}
	if err := h.Orders.Cancel(ctx, ev.Owner, args[0]); err != nil {
		return nil, err
	}
	return text("Order cancelled."), nil
}
