package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jieyou_pet/internal/clock"
	"jieyou_pet/internal/live"
	"jieyou_pet/internal/memstore"
	"jieyou_pet/internal/monitoring"
	"jieyou_pet/internal/progress"
	"jieyou_pet/internal/session"
	"jieyou_pet/internal/shop"
	"jieyou_pet/internal/storage"
	"jieyou_pet/internal/types"
)

type testEnv struct {
	store   *memstore.Store
	handler http.Handler
	tokens  *session.Tokens
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	return newTestEnvWithHub(t, limiter, nil)
}

func newTestEnvWithHub(t *testing.T, limiter *RateLimiter, hub *live.Hub) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := memstore.New()
	clk := clock.NewFixed(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	metrics := monitoring.NewMetrics()
	tokens, err := session.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)

	srv := NewServer(Deps{
		Registry: session.NewRegistry(store, clk, log, progress.WithRecorder(metrics)),
		Tokens:   tokens,
		Metrics:  metrics,
		Limiter:  limiter,
		Hub:      hub,
		Log:      log,
		Backend:  "memory",
	})
	return &testEnv{store: store, handler: srv.Routes(), tokens: tokens}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func (e *testEnv) login(t *testing.T) (string, string) {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/api/v1/session", "", map[string]string{"name": "小明"})
	require.Equal(t, http.StatusOK, code)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.NotEmpty(t, out.Token)
	return out.Token, out.UserID
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestSession_AnonymousThenReuseToken(t *testing.T) {
	e := newTestEnv(t, nil)
	token, uid := e.login(t)
	assert.Contains(t, uid, "anon:")
	assert.Equal(t, 1, e.store.UserCount())

	code, env := e.do(t, http.MethodPost, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusOK, code)
	out := decodeData[sessionResponse](t, env)
	assert.Equal(t, uid, out.UserID)
	assert.Equal(t, 1, e.store.UserCount())
	require.NotNil(t, out.State.User)
	assert.Equal(t, "小明", out.State.User.Name)
	require.NotNil(t, out.State.Level)
	assert.Equal(t, 1, out.State.Level.Level)
}

func TestSession_RejectsTelegramWithoutBotToken(t *testing.T) {
	e := newTestEnv(t, nil)
	code, env := e.do(t, http.MethodPost, "/api/v1/session", "", map[string]string{"initData": "user=%7B%7D&hash=00"})
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeUnauthorized, env.Error.Code)
}

func TestAuth_Required(t *testing.T) {
	e := newTestEnv(t, nil)

	code, env := e.do(t, http.MethodGet, "/api/v1/state", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, env.Success)

	code, _ = e.do(t, http.MethodGet, "/api/v1/state", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestAuth_ReopensSessionFromToken(t *testing.T) {
	e := newTestEnv(t, nil)
	token, err := e.tokens.Issue("tg:99")
	require.NoError(t, err)

	code, env := e.do(t, http.MethodGet, "/api/v1/state", token, nil)
	require.Equal(t, http.StatusOK, code)
	st := decodeData[StateView](t, env)
	require.NotNil(t, st.User)
	assert.Equal(t, "tg:99", st.User.ID)
	assert.Equal(t, "2026-03-01", st.Day)
}

func TestInteractions(t *testing.T) {
	e := newTestEnv(t, nil)
	token, _ := e.login(t)

	code, env := e.do(t, http.MethodPost, "/api/v1/interactions", token, map[string]string{"kind": "feed"})
	require.Equal(t, http.StatusOK, code)
	first := decodeData[interactionResponse](t, env)
	assert.Equal(t, durabilityCommitted, first.Durability)
	assert.True(t, first.Result.Success)
	assert.Equal(t, int64(1), first.Result.ExperienceGained)
	assert.Equal(t, int64(5), first.Result.CoinsEarned)
	assert.True(t, first.Pending.Empty())

	code, env = e.do(t, http.MethodPost, "/api/v1/interactions", token, map[string]string{"kind": "pet"})
	require.Equal(t, http.StatusOK, code)
	second := decodeData[interactionResponse](t, env)
	assert.Zero(t, second.Result.ExperienceGained)
	assert.Equal(t, int64(4), second.Result.CoinsEarned)

	code, env = e.do(t, http.MethodGet, "/api/v1/state", token, nil)
	require.Equal(t, http.StatusOK, code)
	st := decodeData[StateView](t, env)
	assert.Len(t, st.Today, 2)
	assert.Equal(t, int64(9), st.User.CoinBalance)
	assert.Equal(t, int64(1), st.Cat.TotalExperience)
}

func TestInteractions_Rejects(t *testing.T) {
	e := newTestEnv(t, nil)
	token, _ := e.login(t)

	code, env := e.do(t, http.MethodPost, "/api/v1/interactions", token, map[string]string{"kind": "dance"})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeValidationError, env.Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/interactions", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInteractions_PendingThenSync(t *testing.T) {
	e := newTestEnv(t, nil)
	token, _ := e.login(t)

	e.store.FailNext(memstore.OpAppendInteraction, errors.New("db down"))
	code, env := e.do(t, http.MethodPost, "/api/v1/interactions", token, map[string]string{"kind": "bath"})
	require.Equal(t, http.StatusAccepted, code)
	out := decodeData[interactionResponse](t, env)
	assert.Equal(t, durabilityPending, out.Durability)
	assert.Equal(t, []string{progress.OpAppendInteraction}, out.FailedOps)
	assert.Equal(t, 1, out.Pending.Interactions)
	assert.Empty(t, e.store.Interactions())

	code, env = e.do(t, http.MethodPost, "/api/v1/sync", token, nil)
	require.Equal(t, http.StatusOK, code)
	synced := decodeData[syncResponse](t, env)
	assert.Equal(t, durabilityCommitted, synced.Durability)
	assert.True(t, synced.State.Pending.Empty())
	assert.Len(t, e.store.Interactions(), 1)
}

func TestResync(t *testing.T) {
	e := newTestEnv(t, nil)
	token, _ := e.login(t)

	e.store.SetPet(types.Cat{ID: types.TheCatID, Name: types.DefaultCatName, CurrentLevel: 3, TotalExperience: 35, Version: 9})
	code, env := e.do(t, http.MethodPost, "/api/v1/resync", token, nil)
	require.Equal(t, http.StatusOK, code)
	st := decodeData[StateView](t, env)
	assert.Equal(t, 3, st.Cat.CurrentLevel)
	require.NotNil(t, st.Level)
	assert.Equal(t, int64(5), st.Level.Current)
	assert.Equal(t, int64(10), st.Level.Needed)
}

func TestShop(t *testing.T) {
	e := newTestEnv(t, nil)
	token, _ := e.login(t)
	e.store.SetPet(types.Cat{ID: types.TheCatID, Name: types.DefaultCatName, CurrentLevel: 2, TotalExperience: 10})
	code, _ := e.do(t, http.MethodPost, "/api/v1/resync", token, nil)
	require.Equal(t, http.StatusOK, code)

	code, env := e.do(t, http.MethodPost, "/api/v1/shop/fish-snack/purchase", token, nil)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, ErrCodeInsufficientFunds, env.Error.Code)

	for _, kind := range []string{"feed", "pet", "bath"} {
		code, _ := e.do(t, http.MethodPost, "/api/v1/interactions", token, map[string]string{"kind": kind})
		require.Equal(t, http.StatusOK, code)
	}

	code, env = e.do(t, http.MethodGet, "/api/v1/shop", token, nil)
	require.Equal(t, http.StatusOK, code)
	listing := decodeData[struct {
		Balance int64          `json:"balance"`
		Items   []shop.Listing `json:"items"`
	}](t, env)
	assert.Equal(t, int64(12), listing.Balance)
	require.Len(t, listing.Items, len(shop.DefaultItems))
	assert.True(t, listing.Items[0].Unlocked)
	assert.False(t, listing.Items[1].Unlocked)

	code, env = e.do(t, http.MethodPost, "/api/v1/shop/fish-snack/purchase", token, nil)
	require.Equal(t, http.StatusOK, code)
	bought := decodeData[struct {
		Receipt    shop.Receipt `json:"receipt"`
		Durability string       `json:"durability"`
	}](t, env)
	assert.Equal(t, int64(2), bought.Receipt.Balance)
	assert.Equal(t, durabilityCommitted, bought.Durability)

	code, env = e.do(t, http.MethodPost, "/api/v1/shop/bow-tie/purchase", token, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, ErrCodeItemLocked, env.Error.Code)

	code, env = e.do(t, http.MethodPost, "/api/v1/shop/yacht/purchase", token, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrCodeNotFound, env.Error.Code)
}

func TestLevels(t *testing.T) {
	e := newTestEnv(t, nil)
	code, env := e.do(t, http.MethodGet, "/api/v1/levels", "", nil)
	require.Equal(t, http.StatusOK, code)
	rows := decodeData[[]levelRow](t, env)
	require.Len(t, rows, 10)
	assert.Equal(t, levelRow{Level: 2, RequiredExperience: 10, Unlock: "新食物：小鱼干"}, rows[1])
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, nil)
	_, _ = e.login(t)

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "memory", health["backend"])
	assert.EqualValues(t, 1, health["sessions"])

	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}

func TestHealth_DegradedWhenStorageDown(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	tokens, err := session.NewTokens("x", time.Hour)
	require.NoError(t, err)
	srv := NewServer(Deps{
		Registry: session.NewRegistry(memstore.New(), clock.NewSystem(time.UTC), log),
		Tokens:   tokens,
		Log:      log,
		Ping:     func(context.Context) error { return errors.New("connection refused") },
		QueueStats: func(context.Context) map[string]any {
			return map[string]any{"pending_count": 3}
		},
	})
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
	assert.Contains(t, rec.Body.String(), "pending_count")
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, NewRateLimiter(0.001, 2))
	token, _ := e.login(t)

	code, _ := e.do(t, http.MethodGet, "/api/v1/state", token, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, "/api/v1/state", token, nil)
	assert.Equal(t, http.StatusOK, code)
	code, env := e.do(t, http.MethodGet, "/api/v1/state", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, ErrCodeRateLimit, env.Error.Code)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	now = now.Add(time.Minute)
	assert.True(t, rl.allow("b"))

	now = now.Add(rl.idleTTL - 30*time.Second)
	assert.Equal(t, 1, rl.Cleanup())
	assert.Len(t, rl.limiters, 1)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err    error
		code   ErrorCode
		status int
	}{
		{progress.ErrStateNotReady, ErrCodeStateNotReady, http.StatusConflict},
		{session.ErrSessionClosed, ErrCodeConflict, http.StatusConflict},
		{fmt.Errorf("spend: %w", progress.ErrInsufficientCoins), ErrCodeInsufficientFunds, http.StatusPaymentRequired},
		{shop.ErrLocked, ErrCodeItemLocked, http.StatusForbidden},
		{shop.ErrUnknownItem, ErrCodeNotFound, http.StatusNotFound},
		{session.ErrInvalidToken, ErrCodeUnauthorized, http.StatusUnauthorized},
		{storage.ErrStaleProgress, ErrCodeConflict, http.StatusConflict},
		{newAPIError(ErrCodeRateLimit, "slow down"), ErrCodeRateLimit, http.StatusTooManyRequests},
		{errors.New("boom"), ErrCodeInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			apiErr, status := classifyError(tc.err)
			assert.Equal(t, tc.code, apiErr.Code)
			assert.Equal(t, tc.status, status)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := NewErrorHandler(log).RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrCodeInternalError))
}

func TestWebSocket_ReceivesPetProgress(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	hub := live.NewHub(live.DefaultConfig(), log)
	t.Cleanup(hub.Stop)

	e := newTestEnvWithHub(t, nil, hub)
	token, uid := e.login(t)

	ts := httptest.NewServer(e.handler)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+ts.URL[len("http"):]+"/ws?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var welcome live.Message
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, live.TypeWelcome, welcome.Type)

	code, _ := e.do(t, http.MethodPost, "/api/v1/interactions", token, map[string]string{"kind": "play"})
	require.Equal(t, http.StatusOK, code)

	var msg struct {
		Type string           `json:"type"`
		Data live.PetProgress `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, live.TypePetProgress, msg.Type)
	assert.Equal(t, uid, msg.Data.UserID)
	assert.Equal(t, "play", msg.Data.Kind)
	assert.Equal(t, int64(1), msg.Data.TotalExperience)
	assert.False(t, msg.Data.LeveledUp)
}

func TestWebSocket_RequiresToken(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	hub := live.NewHub(live.DefaultConfig(), log)
	t.Cleanup(hub.Stop)
	e := newTestEnvWithHub(t, nil, hub)

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
