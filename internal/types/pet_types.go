package types

import (
	"fmt"
	"strings"
	"time"
)

// TheCatID is the key of the single pet shared by every user.
const TheCatID = "the_one_and_only_cat"

const (
	DefaultCatName       = "JIEYOU萌宠"
	DefaultCatAppearance = "default"
	DefaultUserName      = "猫咪爱好者"
)

// Coin transaction source tags.
const (
	SourceInteraction = "interaction"
	SourcePurchase    = "purchase"
)

// User represents a player and their coin wallet.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	CoinBalance int64     `json:"coinBalance"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
}

// Cat is the shared pet. CurrentLevel is a cached value derived from
// TotalExperience; Version increments on every committed progress write.
type Cat struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CurrentLevel    int       `json:"currentLevel"`
	TotalExperience int64     `json:"totalExperience"`
	Appearance      string    `json:"appearance"`
	CreatedAt       time.Time `json:"createdAt"`
	Version         int64     `json:"version"`
}

// NewCat returns the pet as it looks on first access.
func NewCat(now time.Time) Cat {
	return Cat{
		ID:              TheCatID,
		Name:            DefaultCatName,
		CurrentLevel:    1,
		TotalExperience: 0,
		Appearance:      DefaultCatAppearance,
		CreatedAt:       now,
	}
}

// NewUser returns a fresh wallet for a resolved identity.
func NewUser(id, name, email string, now time.Time) User {
	if strings.TrimSpace(name) == "" {
		name = DefaultUserName
	}
	return User{
		ID:          id,
		Email:       email,
		Name:        name,
		CoinBalance: 0,
		CreatedAt:   now,
		LastActive:  now,
	}
}

type InteractionKind string

const (
	KindFeed  InteractionKind = "feed"
	KindPet   InteractionKind = "pet"
	KindBath  InteractionKind = "bath"
	KindPlay  InteractionKind = "play"
	KindSleep InteractionKind = "sleep"
)

// InteractionKinds lists the closed set in display order.
var InteractionKinds = []InteractionKind{KindFeed, KindPet, KindBath, KindPlay, KindSleep}

func (k InteractionKind) Valid() bool {
	for _, v := range InteractionKinds {
		if k == v {
			return true
		}
	}
	return false
}

// ParseInteractionKind maps transport input onto the closed set.
func ParseInteractionKind(raw string) (InteractionKind, error) {
	k := InteractionKind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("invalid interaction kind %q", raw)
	}
	return k, nil
}

// Interaction is an immutable record of one user action against the pet.
// Day is the YYYY-MM-DD partition key in the clock's location.
type Interaction struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	CatID            string          `json:"catId"`
	Kind             InteractionKind `json:"type"`
	ExperienceGained int64           `json:"experienceGained"`
	CreatedAt        time.Time       `json:"createdAt"`
	Day              string          `json:"day"`
}

// CoinTransaction is an audit ledger entry for a balance change.
type CoinTransaction struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Amount     int64     `json:"amount"`
	SourceType string    `json:"sourceType"`
	CreatedAt  time.Time `json:"createdAt"`
	Day        string    `json:"day"`
}

// InteractionResult is reported back to the caller of an interaction.
// NewLevel and UnlockedContent are omitted entirely when no level-up occurred.
type InteractionResult struct {
	Success          bool     `json:"success"`
	ExperienceGained int64    `json:"experienceGained"`
	CoinsEarned      int64    `json:"coinsEarned"`
	NewLevel         *int     `json:"newLevel,omitempty"`
	UnlockedContent  []string `json:"unlockedContent,omitempty"`
	Message          string   `json:"message"`
}

func (r InteractionResult) LeveledUp() bool { return r.NewLevel != nil }
