// Package storage defines the persistence contract the progression engine
// writes through. Backends live in memstore, db and fastpath.
package storage

import (
	"context"
	"errors"

	"jieyou_pet/internal/types"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleProgress is returned by UpdatePetProgress when the stored pet
	// version no longer matches the expected one.
	ErrStaleProgress = errors.New("stale pet progress")
)

// PetProgress is a compare-and-swap write of the shared pet's progression.
type PetProgress struct {
	TotalExperience int64
	CurrentLevel    int
	ExpectedVersion int64
}

// Gateway is durable storage for users, the pet, interactions and the coin
// ledger. Every call is atomic for the record it touches; there is no
// transaction spanning calls.
type Gateway interface {
	LoadUser(ctx context.Context, id string) (types.User, error)
	// CreateUser is a no-op when the id already exists.
	CreateUser(ctx context.Context, u types.User) error

	LoadPet(ctx context.Context) (types.Cat, error)
	// InitializePet inserts c when no pet exists and returns the stored pet.
	InitializePet(ctx context.Context, c types.Cat) (types.Cat, error)

	// LoadInteractions returns a user's interactions for day in creation order.
	LoadInteractions(ctx context.Context, userID, day string) ([]types.Interaction, error)
	// AppendInteraction is idempotent by interaction ID.
	AppendInteraction(ctx context.Context, i types.Interaction) error

	// UpdatePetProgress applies p when the stored version equals
	// p.ExpectedVersion and returns the pet with its new version.
	UpdatePetProgress(ctx context.Context, p PetProgress) (types.Cat, error)
	UpdateUserCoinBalance(ctx context.Context, userID string, balance int64) error

	// AppendCoinTransaction is idempotent by transaction ID.
	AppendCoinTransaction(ctx context.Context, tx types.CoinTransaction) error
}
