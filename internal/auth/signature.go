package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"slack-ai-gateway/internal/telemetry"
)

// Header names carrying the request signature.
const (
	TimestampHeader = "X-Slack-Request-Timestamp"
	SignatureHeader = "X-Slack-Signature"
)

// MaxSkew bounds the distance between the request timestamp and the local clock.
const MaxSkew = 300 * time.Second

const (
	signatureVersion = "v0"
	maxBodyBytes     = 1 << 20
)

// ErrAuthentication is returned for missing, stale or forged signatures.
var ErrAuthentication = errors.New("request authentication failed")

// Verify checks a signed request body. It fails closed on missing headers,
// rejects timestamps outside MaxSkew of now and compares in constant time.
func Verify(body []byte, timestamp, signature, secret string, now time.Time) bool {
	if timestamp == "" || signature == "" || secret == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxSkew/time.Second) {
		return false
	}
	expected := Sign(body, timestamp, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the "v0=<hex>" signature for a body and timestamp.
func Sign(body []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verifier authenticates inbound webhooks. Without a secret it runs in an
// explicit unsigned mode that accepts every request and says so in the logs.
type Verifier struct {
	secret mo.Option[string]
	now    func() time.Time
	logger zerolog.Logger
}

// NewVerifier builds a verifier. Pass mo.None only when unsigned mode was explicitly allowed.
func NewVerifier(secret mo.Option[string], logger zerolog.Logger) *Verifier {
	v := &Verifier{secret: secret, now: time.Now, logger: logger}
	if secret.IsAbsent() {
		logger.Warn().Msg("request signature verification DISABLED: running in unsigned development mode")
	}
	return v
}

// Unsigned reports whether the verifier accepts unsigned requests.
func (v *Verifier) Unsigned() bool {
	return v.secret.IsAbsent()
}

// Check verifies the request headers against the raw body.
func (v *Verifier) Check(h http.Header, body []byte) error {
	secret, ok := v.secret.Get()
	if !ok {
		v.logger.Warn().Msg("accepting unsigned request")
		return nil
	}
	if !Verify(body, h.Get(TimestampHeader), h.Get(SignatureHeader), secret, v.now()) {
		return ErrAuthentication
	}
	return nil
}

// Middleware rejects requests that fail verification with 403 and restores
// the body for downstream handlers.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if err := v.Check(r.Header, body); err != nil {
			telemetry.AuthFailures.Inc()
			v.logger.Warn().Str("remote_addr", r.RemoteAddr).Str("path", r.URL.Path).Msg("signature verification failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid request signature"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
