// Package progress holds the reward and progression engine for the shared pet.
//
// An Engine owns one session's user, the shared pet as last seen by that
// session, and the user's interactions for the current day. It applies every
// change to memory first and then writes it through a storage.Gateway. Writes
// that fail are kept in an outbox until RetryPending succeeds or Resync
// discards local state.
//
// An Engine is not safe for concurrent use; callers serialize calls per session.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"jieyou_pet/internal/clock"
	"jieyou_pet/internal/rewards"
	"jieyou_pet/internal/storage"
	"jieyou_pet/internal/types"
)

const (
	msgOK       = "互动成功！"
	msgNotReady = "用户或猫咪信息不完整"

	defaultMaxCASAttempts = 5
)

// Gateway operation names used in logs, metrics and PersistenceError.
const (
	OpAppendInteraction     = "append_interaction"
	OpUpdatePetProgress     = "update_pet_progress"
	OpUpdateUserCoinBalance = "update_user_coin_balance"
	OpAppendCoinTransaction = "append_coin_transaction"
)

// Recorder receives engine events; monitoring.Metrics implements it.
type Recorder interface {
	InteractionRecorded(kind types.InteractionKind, experience, coins int64, leveledUp bool, level int)
	CoinsSpent(amount int64)
	PersistenceFailed(op string)
	PendingWrites(n int)
}

type nopRecorder struct{}

func (nopRecorder) InteractionRecorded(types.InteractionKind, int64, int64, bool, int) {}
func (nopRecorder) CoinsSpent(int64)                                                 {}
func (nopRecorder) PersistenceFailed(string)                                         {}
func (nopRecorder) PendingWrites(int)                                                {}

// State is what a session bootstrap hands to the engine. User or Cat may be
// nil, in which case every mutating call fails with ErrStateNotReady.
type State struct {
	User  *types.User
	Cat   *types.Cat
	Today []types.Interaction
	// Day is the day key Today was loaded for; empty means the clock's today.
	Day string
}

type Option func(*Engine)

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.rec = r
		}
	}
}

// WithTable replaces the level table. New falls back to rewards.Default when
// the table fails Validate.
func WithTable(t rewards.Table) Option {
	return func(e *Engine) { e.table = t }
}

// WithMaxCASAttempts bounds the compare-and-swap retries on the shared pet.
func WithMaxCASAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxCAS = n
		}
	}
}

// WithIDGenerator replaces the UUID generator for record IDs.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

type Engine struct {
	gw     storage.Gateway
	clk    clock.Clock
	table  rewards.Table
	log    logrus.FieldLogger
	rec    Recorder
	maxCAS int
	newID  func() string

	// Applied state.
	user  *types.User
	cat   *types.Cat
	today []types.Interaction
	day   string

	// Last state known to be durable.
	committedUser *types.User
	committedCat  *types.Cat

	outbox outbox
}

type outbox struct {
	interactions []types.Interaction
	coinTxs      []types.CoinTransaction
	// petDelta is experience applied locally but not yet written.
	petDelta     int64
	balanceDirty bool
}

// PendingWrites summarizes writes that have been applied locally but not
// confirmed by storage.
type PendingWrites struct {
	Interactions     int   `json:"interactions"`
	CoinTransactions int   `json:"coinTransactions"`
	PetExperience    int64 `json:"petExperience"`
	Balance          bool  `json:"balance"`
}

func (p PendingWrites) Total() int {
	n := p.Interactions + p.CoinTransactions
	if p.PetExperience != 0 {
		n++
	}
	if p.Balance {
		n++
	}
	return n
}

func (p PendingWrites) Empty() bool { return p.Total() == 0 }

// Snapshot is a copy of the engine's applied and committed state.
type Snapshot struct {
	User          *types.User         `json:"user"`
	Cat           *types.Cat          `json:"cat"`
	Today         []types.Interaction `json:"todayInteractions"`
	Day           string              `json:"day"`
	CommittedUser *types.User         `json:"committedUser,omitempty"`
	CommittedCat  *types.Cat          `json:"committedCat,omitempty"`
	Pending       PendingWrites       `json:"pending"`
}

func New(gw storage.Gateway, clk clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		gw:     gw,
		clk:    clk,
		table:  rewards.Default(),
		log:    logrus.StandardLogger(),
		rec:    nopRecorder{},
		maxCAS: defaultMaxCASAttempts,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.table.Validate(); err != nil {
		e.log.WithError(err).Warn("invalid level table, using the default one")
		e.table = rewards.Default()
	}
	return e
}

// Load installs bootstrap output and resets the outbox.
func (e *Engine) Load(s State) {
	e.user, e.committedUser = clonePair(s.User)
	e.cat, e.committedCat = clonePair(s.Cat)
	e.today = append([]types.Interaction(nil), s.Today...)
	e.day = s.Day
	if e.day == "" {
		e.day = clock.Today(e.clk)
	}
	e.outbox = outbox{}
}

func clonePair[T any](v *T) (*T, *T) {
	if v == nil {
		return nil, nil
	}
	a, b := *v, *v
	return &a, &b
}

func (e *Engine) Ready() bool { return e.user != nil && e.cat != nil }

func (e *Engine) Pending() PendingWrites {
	return PendingWrites{
		Interactions:     len(e.outbox.interactions),
		CoinTransactions: len(e.outbox.coinTxs),
		PetExperience:    e.outbox.petDelta,
		Balance:          e.outbox.balanceDirty,
	}
}

func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Today:   append([]types.Interaction(nil), e.today...),
		Day:     e.day,
		Pending: e.Pending(),
	}
	s.User, s.CommittedUser = clone(e.user), clone(e.committedUser)
	s.Cat, s.CommittedCat = clone(e.cat), clone(e.committedCat)
	return s
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (e *Engine) Table() rewards.Table { return e.table }

// rollDay drops the held interactions when the calendar day has changed.
func (e *Engine) rollDay(day string) {
	if day != e.day {
		e.today = nil
		e.day = day
	}
}

// gainedExperienceToday reports whether the user already earned the day's
// experience point from any interaction kind.
func (e *Engine) gainedExperienceToday() bool {
	for _, ix := range e.today {
		if ix.UserID == e.user.ID && ix.ExperienceGained > 0 {
			return true
		}
	}
	return false
}

// PerformInteraction records one interaction of kind for the loaded user.
//
// With no user or pet loaded it returns an unsuccessful result and
// ErrStateNotReady without touching storage. Otherwise local state always
// advances; if some writes fail the result is returned together with a
// *PersistenceError and the failed writes stay pending.
func (e *Engine) PerformInteraction(ctx context.Context, kind types.InteractionKind) (types.InteractionResult, error) {
	if !e.Ready() {
		return types.InteractionResult{Success: false, Message: msgNotReady}, ErrStateNotReady
	}

	now := e.clk.Now()
	e.rollDay(clock.DayKey(now, e.clk.Location()))

	var experience int64 = 1
	if e.gainedExperienceToday() {
		experience = 0
	}
	coins := rewards.CoinReward(len(e.today) + 1)

	oldLevel := e.cat.CurrentLevel
	ix := types.Interaction{
		ID:               e.newID(),
		UserID:           e.user.ID,
		CatID:            e.cat.ID,
		Kind:             kind,
		ExperienceGained: experience,
		CreatedAt:        now,
		Day:              e.day,
	}

	e.today = append(e.today, ix)
	e.cat.TotalExperience += experience
	e.cat.CurrentLevel = e.table.LevelFrom(e.cat.TotalExperience, e.cat.CurrentLevel)
	e.outbox.petDelta += experience
	e.user.CoinBalance += coins
	e.user.LastActive = now

	log := e.log.WithFields(logrus.Fields{"user_id": e.user.ID, "kind": kind, "day": e.day})
	var pe persistErrors

	if err := e.gw.AppendInteraction(ctx, ix); err != nil {
		e.outbox.interactions = append(e.outbox.interactions, ix)
		e.fail(log, &pe, OpAppendInteraction, err)
	}

	fromLevel, toLevel, err := e.commitPet(ctx, oldLevel)
	if err != nil {
		e.fail(log, &pe, OpUpdatePetProgress, err)
	}

	e.outbox.balanceDirty = true
	e.commitBalance(ctx, log, &pe)

	if coins > 0 {
		tx := e.coinTx(coins, types.SourceInteraction, now)
		if err := e.gw.AppendCoinTransaction(ctx, tx); err != nil {
			e.outbox.coinTxs = append(e.outbox.coinTxs, tx)
			e.fail(log, &pe, OpAppendCoinTransaction, err)
		}
	}

	res := types.InteractionResult{
		Success:          true,
		ExperienceGained: experience,
		CoinsEarned:      coins,
		Message:          msgOK,
	}
	if toLevel != fromLevel {
		lvl := toLevel
		res.NewLevel = &lvl
		if unlocked := e.table.UnlockedContent(fromLevel, toLevel); len(unlocked) > 0 {
			res.UnlockedContent = unlocked
		}
	}

	e.rec.InteractionRecorded(kind, experience, coins, res.LeveledUp(), e.cat.CurrentLevel)
	e.rec.PendingWrites(e.Pending().Total())
	if res.LeveledUp() {
		log.WithField("level", toLevel).Info("pet leveled up")
	}
	return res, pe.err()
}

// SpendCoins debits amount from the loaded user through the same apply-then-
// persist path as interactions and records a negative ledger entry.
func (e *Engine) SpendCoins(ctx context.Context, amount int64, source string) (types.User, error) {
	if !e.Ready() {
		return types.User{}, ErrStateNotReady
	}
	if amount <= 0 {
		return *e.user, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if e.user.CoinBalance < amount {
		return *e.user, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCoins, e.user.CoinBalance, amount)
	}

	now := e.clk.Now()
	e.rollDay(clock.DayKey(now, e.clk.Location()))
	e.user.CoinBalance -= amount
	e.user.LastActive = now
	e.outbox.balanceDirty = true

	log := e.log.WithFields(logrus.Fields{"user_id": e.user.ID, "source": source})
	var pe persistErrors
	e.commitBalance(ctx, log, &pe)

	tx := e.coinTx(-amount, source, now)
	if err := e.gw.AppendCoinTransaction(ctx, tx); err != nil {
		e.outbox.coinTxs = append(e.outbox.coinTxs, tx)
		e.fail(log, &pe, OpAppendCoinTransaction, err)
	}

	e.rec.CoinsSpent(amount)
	e.rec.PendingWrites(e.Pending().Total())
	return *e.user, pe.err()
}

// RetryPending re-attempts every queued write in the original order.
func (e *Engine) RetryPending(ctx context.Context) error {
	if !e.Ready() {
		return ErrStateNotReady
	}
	log := e.log.WithField("user_id", e.user.ID)
	var pe persistErrors

	kept := e.outbox.interactions[:0]
	for _, ix := range e.outbox.interactions {
		if err := e.gw.AppendInteraction(ctx, ix); err != nil {
			kept = append(kept, ix)
			e.fail(log, &pe, OpAppendInteraction, err)
		}
	}
	e.outbox.interactions = kept

	if e.outbox.petDelta != 0 {
		if _, _, err := e.commitPet(ctx, e.cat.CurrentLevel); err != nil {
			e.fail(log, &pe, OpUpdatePetProgress, err)
		}
	}

	if e.outbox.balanceDirty {
		e.commitBalance(ctx, log, &pe)
	}

	keptTx := e.outbox.coinTxs[:0]
	for _, tx := range e.outbox.coinTxs {
		if err := e.gw.AppendCoinTransaction(ctx, tx); err != nil {
			keptTx = append(keptTx, tx)
			e.fail(log, &pe, OpAppendCoinTransaction, err)
		}
	}
	e.outbox.coinTxs = keptTx

	e.rec.PendingWrites(e.Pending().Total())
	return pe.err()
}

// RefreshShared re-reads the shared pet and, when the calendar day changed
// since the last call, today's interactions. A newer pet record is adopted
// with any pending experience re-applied on top; the outbox is kept.
func (e *Engine) RefreshShared(ctx context.Context) error {
	if !e.Ready() {
		return ErrStateNotReady
	}
	fresh, err := e.gw.LoadPet(ctx)
	if err != nil {
		return fmt.Errorf("refresh pet: %w", err)
	}
	switch {
	case e.committedCat != nil && fresh.Version <= e.committedCat.Version:
	case e.outbox.petDelta == 0:
		e.committedCat, e.cat = clonePair(&fresh)
	default:
		e.adoptBase(fresh)
	}

	day := clock.Today(e.clk)
	if day == e.day {
		return nil
	}
	today, err := e.gw.LoadInteractions(ctx, e.user.ID, day)
	if err != nil {
		return fmt.Errorf("refresh interactions %s: %w", day, err)
	}
	e.today = today
	e.day = day
	return nil
}

// Resync discards local state, including pending writes, and reloads the
// user, the pet and today's interactions from storage.
func (e *Engine) Resync(ctx context.Context) error {
	if e.user == nil {
		return ErrStateNotReady
	}
	userID := e.user.ID
	u, err := e.gw.LoadUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resync user %s: %w", userID, err)
	}
	c, err := e.gw.LoadPet(ctx)
	if err != nil {
		return fmt.Errorf("resync pet: %w", err)
	}
	day := clock.Today(e.clk)
	today, err := e.gw.LoadInteractions(ctx, userID, day)
	if err != nil {
		return fmt.Errorf("resync interactions: %w", err)
	}
	dropped := e.Pending()
	e.Load(State{User: &u, Cat: &c, Today: today, Day: day})
	if !dropped.Empty() {
		e.log.WithFields(logrus.Fields{"user_id": userID, "dropped": dropped.Total()}).Warn("resync discarded pending writes")
	}
	e.rec.PendingWrites(0)
	return nil
}

// commitPet writes the locally applied pet experience with compare-and-swap,
// re-merging onto a fresh record after each conflict. It returns the level
// transition this write caused, seen from shownLevel (the level this session
// displayed before the call).
func (e *Engine) commitPet(ctx context.Context, shownLevel int) (from, to int, err error) {
	base := *e.committedCat
	for attempt := 1; ; attempt++ {
		total := base.TotalExperience + e.outbox.petDelta
		level := e.table.LevelFrom(total, base.CurrentLevel)
		saved, err := e.gw.UpdatePetProgress(ctx, storage.PetProgress{
			TotalExperience: total,
			CurrentLevel:    level,
			ExpectedVersion: base.Version,
		})
		if err == nil {
			from = max(shownLevel, e.table.LevelFrom(base.TotalExperience, base.CurrentLevel))
			e.outbox.petDelta = 0
			e.committedCat = clone(&saved)
			e.cat = clone(&saved)
			return from, saved.CurrentLevel, nil
		}
		if !errors.Is(err, storage.ErrStaleProgress) {
			e.adoptBase(base)
			return shownLevel, e.cat.CurrentLevel, err
		}
		if attempt >= e.maxCAS {
			e.adoptBase(base)
			return shownLevel, e.cat.CurrentLevel, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		fresh, lerr := e.gw.LoadPet(ctx)
		if lerr != nil {
			e.adoptBase(base)
			return shownLevel, e.cat.CurrentLevel, fmt.Errorf("reload pet after conflict: %w", lerr)
		}
		base = fresh
	}
}

// adoptBase rebases the applied pet onto base plus the pending delta after a
// failed write, keeping the applied level from moving backward.
func (e *Engine) adoptBase(base types.Cat) {
	e.committedCat = clone(&base)
	applied := base
	applied.TotalExperience += e.outbox.petDelta
	applied.CurrentLevel = e.table.LevelFrom(applied.TotalExperience, max(base.CurrentLevel, e.cat.CurrentLevel))
	e.cat = &applied
}

func (e *Engine) commitBalance(ctx context.Context, log logrus.FieldLogger, pe *persistErrors) {
	if err := e.gw.UpdateUserCoinBalance(ctx, e.user.ID, e.user.CoinBalance); err != nil {
		e.fail(log, pe, OpUpdateUserCoinBalance, err)
		return
	}
	e.outbox.balanceDirty = false
	e.committedUser = clone(e.user)
}

func (e *Engine) coinTx(amount int64, source string, now time.Time) types.CoinTransaction {
	return types.CoinTransaction{
		ID:         e.newID(),
		UserID:     e.user.ID,
		Amount:     amount,
		SourceType: source,
		CreatedAt:  now,
		Day:        clock.DayKey(now, e.clk.Location()),
	}
}

func (e *Engine) fail(log logrus.FieldLogger, pe *persistErrors, op string, err error) {
	pe.add(op, err)
	e.rec.PersistenceFailed(op)
	log.WithError(err).WithField("op", op).Warn("write failed, kept pending")
}
