// Package fastpath is the Redis backend of storage.Gateway.
//
// Users and the pet live in hashes, a user's interactions for a day live in a
// JSON list that expires after a few days, and coin transactions are appended
// to a stream that the Archiver drains into Postgres.
package fastpath

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jieyou_pet/internal/storage"
	"jieyou_pet/internal/types"
)

const (
	catKey    = "pet:cat"
	keyPrefix = "pet:"
)

type Options struct {
	StreamKey      string
	StreamGroup    string
	StreamConsumer string
	StreamMaxLen   int64
	// InteractionTTL bounds how long per-day interaction lists and ledger
	// dedupe markers are kept.
	InteractionTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		StreamKey:      "pet:stream:coins",
		StreamGroup:    "pet",
		StreamConsumer: "c-" + randomHex(6),
		StreamMaxLen:   500_000,
		InteractionTTL: 72 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if strings.TrimSpace(o.StreamKey) == "" {
		o.StreamKey = d.StreamKey
	}
	if strings.TrimSpace(o.StreamGroup) == "" {
		o.StreamGroup = d.StreamGroup
	}
	if strings.TrimSpace(o.StreamConsumer) == "" {
		o.StreamConsumer = d.StreamConsumer
	}
	if o.StreamMaxLen < 10_000 {
		o.StreamMaxLen = 10_000
	}
	if o.InteractionTTL <= 0 {
		o.InteractionTTL = d.InteractionTTL
	}
	return o
}

type Store struct {
	Rdb  *redis.Client
	Opts Options

	scriptCreateUser  *redis.Script
	scriptSetBalance  *redis.Script
	scriptInitPet     *redis.Script
	scriptPetCAS      *redis.Script
	scriptInteraction *redis.Script
	scriptCoin        *redis.Script
}

var _ storage.Gateway = (*Store)(nil)

// Connect dials redisURL ("redis://", "rediss://" or bare host:port) and pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, nil
	}
	if !strings.Contains(redisURL, "://") {
		redisURL = "redis://" + redisURL
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func New(rdb *redis.Client, opts Options) *Store {
	return &Store{
		Rdb:               rdb,
		Opts:              opts.withDefaults(),
		scriptCreateUser:  redis.NewScript(createUserLua),
		scriptSetBalance:  redis.NewScript(setBalanceLua),
		scriptInitPet:     redis.NewScript(initPetLua),
		scriptPetCAS:      redis.NewScript(petCASLua),
		scriptInteraction: redis.NewScript(appendInteractionLua),
		scriptCoin:        redis.NewScript(appendCoinLua),
	}
}

func userKey(id string) string { return keyPrefix + "user:" + id }

func interactionsKey(userID, day string) string {
	return fmt.Sprintf("%six:%s:%s", keyPrefix, userID, day)
}

func interactionIDsKey(userID, day string) string {
	return fmt.Sprintf("%six:ids:%s:%s", keyPrefix, userID, day)
}

func coinDedupeKey(id string) string { return keyPrefix + "tx:" + id }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *Store) LoadUser(ctx context.Context, id string) (types.User, error) {
	h, err := s.Rdb.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return types.User{}, err
	}
	if len(h) == 0 {
		return types.User{}, storage.ErrNotFound
	}
	bal, _ := strconv.ParseInt(h["coin_balance"], 10, 64)
	return types.User{
		ID:          id,
		Email:       h["email"],
		Name:        h["name"],
		CoinBalance: bal,
		CreatedAt:   parseTime(h["created_at"]),
		LastActive:  parseTime(h["last_active"]),
	}, nil
}

func (s *Store) CreateUser(ctx context.Context, u types.User) error {
	return s.scriptCreateUser.Run(ctx, s.Rdb, []string{userKey(u.ID)},
		"email", u.Email,
		"name", u.Name,
		"coin_balance", u.CoinBalance,
		"created_at", formatTime(u.CreatedAt),
		"last_active", formatTime(u.LastActive),
	).Err()
}

func (s *Store) UpdateUserCoinBalance(ctx context.Context, userID string, balance int64) error {
	n, err := s.scriptSetBalance.Run(ctx, s.Rdb, []string{userKey(userID)},
		balance, formatTime(time.Now())).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func catFromFields(h map[string]string) types.Cat {
	level, _ := strconv.Atoi(h["current_level"])
	total, _ := strconv.ParseInt(h["total_experience"], 10, 64)
	version, _ := strconv.ParseInt(h["version"], 10, 64)
	return types.Cat{
		ID:              types.TheCatID,
		Name:            h["name"],
		CurrentLevel:    level,
		TotalExperience: total,
		Appearance:      h["appearance"],
		CreatedAt:       parseTime(h["created_at"]),
		Version:         version,
	}
}

// pairs turns a flat HGETALL-style reply into a map.
func pairs(vals []any) map[string]string {
	out := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		out[asString(vals[i])] = asString(vals[i+1])
	}
	return out
}

func (s *Store) LoadPet(ctx context.Context) (types.Cat, error) {
	h, err := s.Rdb.HGetAll(ctx, catKey).Result()
	if err != nil {
		return types.Cat{}, err
	}
	if len(h) == 0 {
		return types.Cat{}, storage.ErrNotFound
	}
	return catFromFields(h), nil
}

func (s *Store) InitializePet(ctx context.Context, c types.Cat) (types.Cat, error) {
	vals, err := s.scriptInitPet.Run(ctx, s.Rdb, []string{catKey},
		"name", c.Name,
		"current_level", c.CurrentLevel,
		"total_experience", c.TotalExperience,
		"appearance", c.Appearance,
		"created_at", formatTime(c.CreatedAt),
	).Slice()
	if err != nil {
		return types.Cat{}, err
	}
	return catFromFields(pairs(vals)), nil
}

func (s *Store) UpdatePetProgress(ctx context.Context, p storage.PetProgress) (types.Cat, error) {
	vals, err := s.scriptPetCAS.Run(ctx, s.Rdb, []string{catKey},
		p.ExpectedVersion, p.TotalExperience, p.CurrentLevel).Slice()
	if err != nil {
		return types.Cat{}, err
	}
	if len(vals) == 0 {
		return types.Cat{}, fmt.Errorf("fastpath: empty pet CAS reply")
	}
	switch asString(vals[0]) {
	case "ok":
		return catFromFields(pairs(vals[1:])), nil
	case "stale":
		return types.Cat{}, storage.ErrStaleProgress
	case "missing":
		return types.Cat{}, storage.ErrNotFound
	default:
		return types.Cat{}, fmt.Errorf("fastpath: bad pet CAS reply %q", asString(vals[0]))
	}
}

func (s *Store) LoadInteractions(ctx context.Context, userID, day string) ([]types.Interaction, error) {
	raw, err := s.Rdb.LRange(ctx, interactionsKey(userID, day), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.Interaction, 0, len(raw))
	for _, r := range raw {
		var ix types.Interaction
		if err := json.Unmarshal([]byte(r), &ix); err != nil {
			return nil, fmt.Errorf("decode interaction: %w", err)
		}
		out = append(out, ix)
	}
	return out, nil
}

func (s *Store) AppendInteraction(ctx context.Context, ix types.Interaction) error {
	b, err := json.Marshal(ix)
	if err != nil {
		return err
	}
	return s.scriptInteraction.Run(ctx, s.Rdb,
		[]string{interactionIDsKey(ix.UserID, ix.Day), interactionsKey(ix.UserID, ix.Day)},
		ix.ID, string(b), int64(s.Opts.InteractionTTL/time.Second),
	).Err()
}

// AppendCoinTransaction queues tx on the coin stream. Redelivery of the same
// id within InteractionTTL is dropped.
func (s *Store) AppendCoinTransaction(ctx context.Context, tx types.CoinTransaction) error {
	return s.scriptCoin.Run(ctx, s.Rdb,
		[]string{coinDedupeKey(tx.ID), s.Opts.StreamKey},
		int64(s.Opts.InteractionTTL/time.Second),
		s.Opts.StreamMaxLen,
		"kind", "coin",
		"id", tx.ID,
		"uid", tx.UserID,
		"amount", strconv.FormatInt(tx.Amount, 10),
		"source", tx.SourceType,
		"day", tx.Day,
		"ts", formatTime(tx.CreatedAt),
	).Err()
}

// QueueStats reports stream depth and consumer-group backlog for health checks.
func (s *Store) QueueStats(ctx context.Context) map[string]any {
	out := map[string]any{
		"stream_key":   s.Opts.StreamKey,
		"stream_group": s.Opts.StreamGroup,
	}
	if xlen, err := s.Rdb.XLen(ctx, s.Opts.StreamKey).Result(); err == nil {
		out["stream_len"] = xlen
	}
	if p, err := s.Rdb.XPending(ctx, s.Opts.StreamKey, s.Opts.StreamGroup).Result(); err == nil {
		out["pending_count"] = p.Count
		out["pending_consumers"] = len(p.Consumers)
	}
	return out
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

func randomHex(n int) string {
	if n <= 0 {
		n = 6
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
