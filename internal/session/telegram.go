package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Identity maps a verified Telegram user onto a pet identity.
func (u TelegramUser) Identity() Identity {
	name := strings.TrimSpace(u.FirstName)
	if name == "" {
		name = u.Username
	}
	return Identity{UserID: "tg:" + strconv.FormatInt(u.ID, 10), Name: name}
}

// VerifyTelegramInitData checks Telegram WebApp initData against the bot token.
// Returns (user, ok).
func VerifyTelegramInitData(initData, botToken string) (TelegramUser, bool) {
	initData = strings.TrimSpace(initData)
	if initData == "" || botToken == "" {
		return TelegramUser{}, false
	}

	vals, err := url.ParseQuery(initData)
	if err != nil {
		return TelegramUser{}, false
	}
	providedHash := vals.Get("hash")
	if providedHash == "" {
		return TelegramUser{}, false
	}
	vals.Del("hash")

	if !hmac.Equal([]byte(initDataHash(vals, botToken)), []byte(providedHash)) {
		return TelegramUser{}, false
	}

	raw := vals.Get("user")
	if raw == "" {
		return TelegramUser{}, false
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil || user.ID == 0 {
		return TelegramUser{}, false
	}
	return user, true
}

// initDataHash signs the sorted key=value lines of vals (without hash).
func initDataHash(vals url.Values, botToken string) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+vals.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
