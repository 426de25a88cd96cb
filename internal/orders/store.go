// Package orders persists DCA, limit and alert orders in the shared store.
//
// The orders:active:<TYPE> sets are authoritative for whether an order runs.
// Removing an id from its set is the claim that deactivates it; a save never
// re-activates an order that was removed concurrently.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/solana"
	"solana-custody/internal/storage"
)

// Limits on order parameters.
const (
	MinDCAInterval  = time.Minute
	DefaultDebounce = 2
	MaxDebounce     = 10
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order")
)

func orderKey(id string) string           { return "order:" + id }
func ownerKey(owner string) string        { return "orders:" + owner }
func activeKey(t domain.OrderType) string { return "orders:active:" + string(t) }

// Store reads and writes orders.
type Store struct {
	kv  storage.KV
	log logrus.FieldLogger
	now func() time.Time
}

// New creates a Store.
func New(kv storage.KV, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{kv: kv, log: log.WithField("component", "orders"), now: time.Now}
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) newBase(t domain.OrderType, owner, mint string, amount uint64) (domain.OrderBase, error) {
	if owner == "" || amount == 0 || !solana.ValidAddress(mint) || mint == domain.WrappedSOLMint {
		return domain.OrderBase{}, fmt.Errorf("%w: owner, mint and amount are required", ErrInvalidOrder)
	}
	return domain.OrderBase{
		ID:        uuid.NewString(),
		Type:      t,
		Owner:     owner,
		Mint:      mint,
		Amount:    amount,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}, nil
}

// CreateDCA schedules a recurring buy of mint for lamports every interval.
// The first run is due one interval from now.
func (s *Store) CreateDCA(ctx context.Context, owner, mint string, lamports uint64, interval time.Duration) (*domain.DCAOrder, error) {
	base, err := s.newBase(domain.OrderTypeDCA, owner, mint, lamports)
	if err != nil {
		return nil, err
	}
	if interval < MinDCAInterval {
		return nil, fmt.Errorf("%w: interval below %s", ErrInvalidOrder, MinDCAInterval)
	}
	o := &domain.DCAOrder{
		OrderBase: base,
		Interval:  interval,
		NextRunAt: base.CreatedAt.Add(interval),
	}
	if err := s.create(ctx, &o.OrderBase, o); err != nil {
		return nil, err
	}
	return o, nil
}

// LimitParams describes a new limit order.
type LimitParams struct {
	Owner       string
	Mint        string
	Amount      uint64 // lamports for BUY, token units otherwise
	Kind        domain.LimitKind
	Condition   domain.PriceCondition // defaulted from Kind when empty
	TargetPrice decimal.Decimal
	TrailPct    decimal.Decimal
	Debounce    int
}

// CreateLimit stores a limit order.
func (s *Store) CreateLimit(ctx context.Context, p LimitParams) (*domain.LimitOrder, error) {
	base, err := s.newBase(domain.OrderTypeLimit, p.Owner, p.Mint, p.Amount)
	if err != nil {
		return nil, err
	}

	cond := p.Condition
	switch p.Kind {
	case domain.LimitKindBuy:
		if cond == "" {
			cond = domain.ConditionLTE
		}
	case domain.LimitKindTakeProfit:
		if cond == "" {
			cond = domain.ConditionGTE
		}
	case domain.LimitKindStopLoss:
		if cond == "" {
			cond = domain.ConditionLTE
		}
	case domain.LimitKindTrailingStop:
		if !p.TrailPct.IsPositive() || p.TrailPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: trail must be between 0 and 1", ErrInvalidOrder)
		}
		cond = domain.ConditionLTE
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOrder, p.Kind)
	}
	if cond != domain.ConditionLTE && cond != domain.ConditionGTE {
		return nil, fmt.Errorf("%w: unknown condition %q", ErrInvalidOrder, cond)
	}
	if p.Kind != domain.LimitKindTrailingStop && !p.TargetPrice.IsPositive() {
		return nil, fmt.Errorf("%w: target price must be positive", ErrInvalidOrder)
	}

	debounce := p.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if debounce > MaxDebounce {
		return nil, fmt.Errorf("%w: debounce above %d", ErrInvalidOrder, MaxDebounce)
	}

	o := &domain.LimitOrder{
		OrderBase:   base,
		Kind:        p.Kind,
		Condition:   cond,
		TargetPrice: p.TargetPrice,
		TrailPct:    p.TrailPct,
		Debounce:    debounce,
	}
	if err := s.create(ctx, &o.OrderBase, o); err != nil {
		return nil, err
	}
	return o, nil
}

// CreateAlert stores a notify-only price alert.
func (s *Store) CreateAlert(ctx context.Context, owner, mint string, cond domain.PriceCondition, target decimal.Decimal) (*domain.PriceAlert, error) {
	base, err := s.newBase(domain.OrderTypeAlert, owner, mint, 1)
	if err != nil {
		return nil, err
	}
	if cond != domain.ConditionLTE && cond != domain.ConditionGTE {
		return nil, fmt.Errorf("%w: unknown condition %q", ErrInvalidOrder, cond)
	}
	if !target.IsPositive() {
		return nil, fmt.Errorf("%w: target price must be positive", ErrInvalidOrder)
	}
	a := &domain.PriceAlert{OrderBase: base, Condition: cond, TargetPrice: target}
	if err := s.create(ctx, &a.OrderBase, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) create(ctx context.Context, base *domain.OrderBase, order interface{}) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	err = s.kv.Apply(ctx, func(b storage.Batch) {
		b.Set(orderKey(base.ID), string(data), 0)
		b.HSet(ownerKey(base.Owner), map[string]string{base.ID: string(base.Type)})
		b.SAdd(activeKey(base.Type), base.ID)
	})
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"owner":    base.Owner,
		"order_id": base.ID,
		"type":     base.Type,
	}).Info("order created")
	return nil
}

// save writes order. An active order is only written while its id is still
// in the active set; once claimed or cancelled it is stored inactive
// regardless of the in-memory flag.
func (s *Store) save(ctx context.Context, base *domain.OrderBase, order interface{}) error {
	if base.Active {
		data, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("marshal order: %w", err)
		}
		written, err := s.kv.SetIfMember(ctx, orderKey(base.ID), string(data), activeKey(base.Type), base.ID)
		if err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		if written {
			return nil
		}
		base.Active = false
	}
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	err = s.kv.Apply(ctx, func(b storage.Batch) {
		b.Set(orderKey(base.ID), string(data), 0)
		b.SRem(activeKey(base.Type), base.ID)
	})
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, id string, t domain.OrderType, into interface{}) error {
	raw, err := s.kv.Get(ctx, orderKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	var base domain.OrderBase
	if err := json.Unmarshal([]byte(raw), &base); err != nil {
		return fmt.Errorf("decode order %s: %w", id, err)
	}
	if base.Type != t {
		return fmt.Errorf("%w: %s is %s, not %s", ErrOrderNotFound, id, base.Type, t)
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("decode order %s: %w", id, err)
	}
	return nil
}

// GetDCA loads a DCA order.
func (s *Store) GetDCA(ctx context.Context, id string) (*domain.DCAOrder, error) {
	var o domain.DCAOrder
	if err := s.load(ctx, id, domain.OrderTypeDCA, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetLimit loads a limit order.
func (s *Store) GetLimit(ctx context.Context, id string) (*domain.LimitOrder, error) {
	var o domain.LimitOrder
	if err := s.load(ctx, id, domain.OrderTypeLimit, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetAlert loads a price alert.
func (s *Store) GetAlert(ctx context.Context, id string) (*domain.PriceAlert, error) {
	var a domain.PriceAlert
	if err := s.load(ctx, id, domain.OrderTypeAlert, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) SaveDCA(ctx context.Context, o *domain.DCAOrder) error {
	return s.save(ctx, &o.OrderBase, o)
}

func (s *Store) SaveLimit(ctx context.Context, o *domain.LimitOrder) error {
	return s.save(ctx, &o.OrderBase, o)
}

func (s *Store) SaveAlert(ctx context.Context, a *domain.PriceAlert) error {
	return s.save(ctx, &a.OrderBase, a)
}

// ActiveIDs returns the ids of active orders of type t.
func (s *Store) ActiveIDs(ctx context.Context, t domain.OrderType) ([]string, error) {
	ids, err := s.kv.SMembers(ctx, activeKey(t))
	if err != nil {
		return nil, fmt.Errorf("list active %s orders: %w", t, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Claim removes id from the active set of t. Exactly one concurrent caller
// gets true.
func (s *Store) Claim(ctx context.Context, t domain.OrderType, id string) (bool, error) {
	ok, err := s.kv.SRem(ctx, activeKey(t), id)
	if err != nil {
		return false, fmt.Errorf("claim order %s: %w", id, err)
	}
	return ok, nil
}

// List returns every order of owner, newest first.
func (s *Store) List(ctx context.Context, owner string) ([]domain.OrderBase, error) {
	index, err := s.kv.HGetAll(ctx, ownerKey(owner))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]domain.OrderBase, 0, len(index))
	for id := range index {
		raw, err := s.kv.Get(ctx, orderKey(id))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		var base domain.OrderBase
		if err := json.Unmarshal([]byte(raw), &base); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", id, err)
		}
		out = append(out, base)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Cancel deactivates one of owner's orders.
func (s *Store) Cancel(ctx context.Context, owner, id string) error {
	index, err := s.kv.HGetAll(ctx, ownerKey(owner))
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	t, ok := index[id]
	if !ok {
		return ErrOrderNotFound
	}
	if _, err := s.Claim(ctx, domain.OrderType(t), id); err != nil {
		return err
	}

	raw, err := s.kv.Get(ctx, orderKey(id))
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return fmt.Errorf("decode order %s: %w", id, err)
	}
	generic["active"] = json.RawMessage("false")
	data, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.kv.Set(ctx, orderKey(id), string(data), 0); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	s.log.WithFields(logrus.Fields{"owner": owner, "order_id": id}).Info("order cancelled")
	return nil
}
