// Package session resolves who is playing and prepares a progression engine
// for them.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"jieyou_pet/internal/clock"
	"jieyou_pet/internal/progress"
	"jieyou_pet/internal/storage"
	"jieyou_pet/internal/types"
)

var ErrNoIdentity = errors.New("identity has no user id")

// Identity is a resolved user. Name and Email only seed a newly created user.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

// NewAnonymousID mints an id for a visitor with no token or Telegram data.
func NewAnonymousID() string {
	return "anon:" + uuid.NewString()
}

// Bootstrap loads the user, the shared pet and the user's interactions for
// today, creating the user and pet on first access. Repeated calls leave
// existing records untouched.
func Bootstrap(ctx context.Context, gw storage.Gateway, clk clock.Clock, id Identity) (progress.State, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return progress.State{}, ErrNoIdentity
	}
	now := clk.Now()

	user, err := gw.LoadUser(ctx, id.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := gw.CreateUser(ctx, types.NewUser(id.UserID, id.Name, id.Email, now)); err != nil {
			return progress.State{}, fmt.Errorf("create user %s: %w", id.UserID, err)
		}
		// Reload so a concurrent creator's record wins.
		user, err = gw.LoadUser(ctx, id.UserID)
	}
	if err != nil {
		return progress.State{}, fmt.Errorf("load user %s: %w", id.UserID, err)
	}

	cat, err := gw.LoadPet(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		cat, err = gw.InitializePet(ctx, types.NewCat(now))
		if err != nil {
			return progress.State{}, fmt.Errorf("initialize pet: %w", err)
		}
	} else if err != nil {
		return progress.State{}, fmt.Errorf("load pet: %w", err)
	}

	day := clock.DayKey(now, clk.Location())
	today, err := gw.LoadInteractions(ctx, id.UserID, day)
	if err != nil {
		return progress.State{}, fmt.Errorf("load interactions %s/%s: %w", id.UserID, day, err)
	}

	return progress.State{User: &user, Cat: &cat, Today: today, Day: day}, nil
}
