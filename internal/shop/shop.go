// Package shop sells pet items for coins once the shared pet is high enough.
package shop

import (
	"context"
	"errors"
	"fmt"

	"jieyou_pet/internal/progress"
	"jieyou_pet/internal/types"
)

var (
	ErrUnknownItem = errors.New("unknown shop item")
	ErrLocked      = errors.New("item locked at current pet level")
)

type Category string

const (
	CategoryFood       Category = "food"
	CategoryAccessory  Category = "accessory"
	CategoryToy        Category = "toy"
	CategoryDecoration Category = "decoration"
)

type Item struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Category      Category `json:"category"`
	Price         int64    `json:"price"`
	RequiredLevel int      `json:"requiredLevel"`
}

// Listing is an item as shown at a given pet level.
type Listing struct {
	Item
	Unlocked bool `json:"unlocked"`
}

type Catalogue struct {
	items []Item
	byID  map[string]Item
}

// DefaultItems is the standard catalogue in display order.
var DefaultItems = []Item{
	{ID: "fish-snack", Name: "小鱼干", Category: CategoryFood, Price: 10, RequiredLevel: 2},
	{ID: "bow-tie", Name: "蝴蝶结", Category: CategoryAccessory, Price: 25, RequiredLevel: 3},
	{ID: "teaser-wand", Name: "逗猫棒", Category: CategoryToy, Price: 15, RequiredLevel: 2},
	{ID: "canned-food", Name: "猫罐头", Category: CategoryFood, Price: 30, RequiredLevel: 5},
	{ID: "little-hat", Name: "小帽子", Category: CategoryAccessory, Price: 40, RequiredLevel: 6},
	{ID: "cat-castle", Name: "猫城堡", Category: CategoryDecoration, Price: 100, RequiredLevel: 10},
}

func NewCatalogue(items []Item) *Catalogue {
	c := &Catalogue{items: append([]Item(nil), items...), byID: make(map[string]Item, len(items))}
	for _, it := range items {
		c.byID[it.ID] = it
	}
	return c
}

func Default() *Catalogue { return NewCatalogue(DefaultItems) }

func (c *Catalogue) Item(id string) (Item, bool) {
	it, ok := c.byID[id]
	return it, ok
}

func (c *Catalogue) List(level int) []Listing {
	out := make([]Listing, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, Listing{Item: it, Unlocked: level >= it.RequiredLevel})
	}
	return out
}

// Receipt is what a successful purchase returns.
type Receipt struct {
	Item    Item  `json:"item"`
	Balance int64 `json:"balance"`
}

// Purchase debits the item's price from the engine's user. A
// progress.PersistenceError from the engine is returned with the receipt.
func (c *Catalogue) Purchase(ctx context.Context, e *progress.Engine, itemID string) (Receipt, error) {
	it, ok := c.byID[itemID]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnknownItem, itemID)
	}
	snap := e.Snapshot()
	if snap.Cat == nil || snap.User == nil {
		return Receipt{}, progress.ErrStateNotReady
	}
	if snap.Cat.CurrentLevel < it.RequiredLevel {
		return Receipt{}, fmt.Errorf("%w: %s needs level %d", ErrLocked, it.Name, it.RequiredLevel)
	}
	u, err := e.SpendCoins(ctx, it.Price, types.SourcePurchase)
	if err != nil && !errors.Is(err, progress.ErrPersistence) {
		return Receipt{}, err
	}
	return Receipt{Item: it, Balance: u.CoinBalance}, err
}
