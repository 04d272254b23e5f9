package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignBody возвращает hex HMAC-SHA256 тела.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature сверяет подпись вида "sha256=<hex>" или "<hex>" за постоянное время.
func ValidSignature(body []byte, secret, signature string) bool {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ValidToken сравнивает токены за постоянное время.
func ValidToken(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// RequestToken достаёт токен из заголовков (Authorization: Bearer, X-Webhook-Token,
// X-Telegram-Bot-Api-Secret-Token, apikey) или из query-параметра token.
func RequestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	for _, header := range []string{"X-Webhook-Token", "X-Telegram-Bot-Api-Secret-Token", "apikey"} {
		if v := r.Header.Get(header); v != "" {
			return v
		}
	}
	return r.URL.Query().Get("token")
}
