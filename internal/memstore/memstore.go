package memstore

import (
	"context"
	"sort"
	"sync"

	"jieyou_pet/internal/storage"
	"jieyou_pet/internal/types"
)

// Operation names accepted by FailNext/FailAlways and recorded in Calls.
const (
	OpLoadUser              = "LoadUser"
	OpCreateUser            = "CreateUser"
	OpLoadPet               = "LoadPet"
	OpInitializePet         = "InitializePet"
	OpLoadInteractions      = "LoadInteractions"
	OpAppendInteraction     = "AppendInteraction"
	OpUpdatePetProgress     = "UpdatePetProgress"
	OpUpdateUserCoinBalance = "UpdateUserCoinBalance"
	OpAppendCoinTransaction = "AppendCoinTransaction"
)

// Store is an in-process Gateway. It backs the "memory" storage backend and
// the engine tests, which use the error injection hooks to drive failure paths.
type Store struct {
	mu sync.RWMutex

	users        map[string]types.User
	pet          *types.Cat
	interactions map[string]types.Interaction
	coinTxs      map[string]types.CoinTransaction
	ixOrder      []string
	txOrder      []string

	failNext   map[string][]error
	failAlways map[string]error
	calls      []string

	// BeforeUpdatePet runs ahead of each pet CAS; tests use it to simulate a
	// concurrent session winning the race.
	BeforeUpdatePet func(s *Store)
}

var _ storage.Gateway = (*Store)(nil)

func New() *Store {
	return &Store{
		users:        map[string]types.User{},
		interactions: map[string]types.Interaction{},
		coinTxs:      map[string]types.CoinTransaction{},
		failNext:     map[string][]error{},
		failAlways:   map[string]error{},
	}
}

// FailNext makes the next call of op return err. Calls queue up.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], err)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (s *Store) FailAlways(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failAlways, op)
		return
	}
	s.failAlways[op] = err
}

// Calls returns the operations invoked so far, in order.
func (s *Store) Calls() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.calls...)
}

func (s *Store) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// enter records op and returns an injected error, if any. Caller holds mu.
func (s *Store) enter(op string) error {
	s.calls = append(s.calls, op)
	if q := s.failNext[op]; len(q) > 0 {
		err := q[0]
		s.failNext[op] = q[1:]
		return err
	}
	return s.failAlways[op]
}

func (s *Store) LoadUser(ctx context.Context, id string) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLoadUser); err != nil {
		return types.User{}, err
	}
	u, ok := s.users[id]
	if !ok {
		return types.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateUser); err != nil {
		return err
	}
	if _, ok := s.users[u.ID]; !ok {
		s.users[u.ID] = u
	}
	return nil
}

func (s *Store) LoadPet(ctx context.Context) (types.Cat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLoadPet); err != nil {
		return types.Cat{}, err
	}
	if s.pet == nil {
		return types.Cat{}, storage.ErrNotFound
	}
	return *s.pet, nil
}

func (s *Store) InitializePet(ctx context.Context, c types.Cat) (types.Cat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInitializePet); err != nil {
		return types.Cat{}, err
	}
	if s.pet == nil {
		c.ID = types.TheCatID
		s.pet = &c
	}
	return *s.pet, nil
}

func (s *Store) LoadInteractions(ctx context.Context, userID, day string) ([]types.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLoadInteractions); err != nil {
		return nil, err
	}
	var out []types.Interaction
	for _, id := range s.ixOrder {
		ix := s.interactions[id]
		if ix.UserID == userID && ix.Day == day {
			out = append(out, ix)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendInteraction(ctx context.Context, ix types.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAppendInteraction); err != nil {
		return err
	}
	if _, ok := s.interactions[ix.ID]; ok {
		return nil
	}
	s.interactions[ix.ID] = ix
	s.ixOrder = append(s.ixOrder, ix.ID)
	return nil
}

func (s *Store) UpdatePetProgress(ctx context.Context, p storage.PetProgress) (types.Cat, error) {
	if hook := s.BeforeUpdatePet; hook != nil {
		hook(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpdatePetProgress); err != nil {
		return types.Cat{}, err
	}
	if s.pet == nil {
		return types.Cat{}, storage.ErrNotFound
	}
	if s.pet.Version != p.ExpectedVersion {
		return types.Cat{}, storage.ErrStaleProgress
	}
	s.pet.TotalExperience = p.TotalExperience
	s.pet.CurrentLevel = p.CurrentLevel
	s.pet.Version++
	return *s.pet, nil
}

func (s *Store) UpdateUserCoinBalance(ctx context.Context, userID string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpdateUserCoinBalance); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.CoinBalance = balance
	s.users[userID] = u
	return nil
}

func (s *Store) AppendCoinTransaction(ctx context.Context, tx types.CoinTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAppendCoinTransaction); err != nil {
		return err
	}
	if _, ok := s.coinTxs[tx.ID]; ok {
		return nil
	}
	s.coinTxs[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	return nil
}

// SetPet overwrites the stored pet, bypassing version checks.
func (s *Store) SetPet(c types.Cat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = types.TheCatID
	s.pet = &c
}

// CoinTransactions returns the ledger in append order.
func (s *Store) CoinTransactions() []types.CoinTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.CoinTransaction, 0, len(s.txOrder))
	for _, id := range s.txOrder {
		out = append(out, s.coinTxs[id])
	}
	return out
}

// Interactions returns every stored interaction in append order.
func (s *Store) Interactions() []types.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Interaction, 0, len(s.ixOrder))
	for _, id := range s.ixOrder {
		out = append(out, s.interactions[id])
	}
	return out
}

func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
