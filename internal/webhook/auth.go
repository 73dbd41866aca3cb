// Package webhook authenticates signed provider callbacks and parses their
// event envelope.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/dialback/internal/apperr"
)

const (
	// HeaderComposite carries "t=<ts>,v0=<hex>[,v1=...]".
	HeaderComposite = "ElevenLabs-Signature"

	// HeaderTimestamp and HeaderSignature are the discrete form.
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	// HeaderSignatureBase64 carries a base64 encoded signature.
	HeaderSignatureBase64 = "X-Webhook-Signature-Base64"

	DefaultTolerance = 5 * time.Minute

	// Timestamps at or above this value are milliseconds.
	millisecondThreshold = 1_000_000_000_000
)

type Config struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// Authenticator verifies webhook signatures against a shared secret. It holds
// no mutable state and is safe for concurrent use.
type Authenticator struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewAuthenticator(cfg Config) *Authenticator {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		secret:    []byte(strings.TrimSpace(cfg.Secret)),
		tolerance: tolerance,
		now:       now,
	}
}

// Configured reports whether a shared secret is set.
func (a *Authenticator) Configured() bool {
	return len(a.secret) > 0
}

// Verify checks that raw was signed with the shared secret within the
// tolerance window. Failures are apperr errors carrying 503 when no secret is
// configured and 401 otherwise.
func (a *Authenticator) Verify(raw []byte, headers http.Header) error {
	if !a.Configured() {
		return apperr.WebhookNotConfigured()
	}

	timestamp, candidates, ok := extract(headers)
	if !ok || len(candidates) == 0 {
		return apperr.Unauthorized("missing webhook signature")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apperr.Unauthorized("invalid webhook timestamp")
	}
	var signedAt time.Time
	if ts >= millisecondThreshold {
		signedAt = time.UnixMilli(ts)
	} else {
		signedAt = time.Unix(ts, 0)
	}
	skew := a.now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.tolerance {
		return apperr.Unauthorized("webhook timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(raw)
	sum := mac.Sum(nil)
	expectedHex := []byte(hex.EncodeToString(sum))
	expectedB64 := []byte(base64.StdEncoding.EncodeToString(sum))

	matched := 0
	for _, c := range candidates {
		candidate := []byte(c)
		matched |= subtle.ConstantTimeCompare(candidate, expectedHex)
		matched |= subtle.ConstantTimeCompare(candidate, expectedB64)
	}
	if matched != 1 {
		return apperr.Unauthorized("invalid webhook signature")
	}
	return nil
}

// extract collects the timestamp and every signature candidate from the
// supported header encodings. ok is false when no timestamp is present or
// the headers disagree on it.
func extract(headers http.Header) (timestamp string, candidates []string, ok bool) {
	var timestamps []string

	for _, value := range headers.Values(HeaderComposite) {
		for _, token := range strings.Split(value, ",") {
			key, val, found := strings.Cut(strings.TrimSpace(token), "=")
			if !found {
				continue
			}
			val = strings.TrimSpace(val)
			switch {
			case key == "t":
				timestamps = append(timestamps, val)
			case isVersionKey(key) && val != "":
				candidates = append(candidates, val)
			}
		}
	}

	if ts := strings.TrimSpace(headers.Get(HeaderTimestamp)); ts != "" {
		timestamps = append(timestamps, ts)
	}
	for _, name := range []string{HeaderSignature, HeaderSignatureBase64} {
		for _, value := range headers.Values(name) {
			if sig := strings.TrimSpace(value); sig != "" {
				candidates = append(candidates, sig)
			}
		}
	}

	if len(timestamps) == 0 {
		return "", candidates, false
	}
	for _, ts := range timestamps[1:] {
		if ts != timestamps[0] {
			return "", candidates, false
		}
	}
	return timestamps[0], candidates, timestamps[0] != ""
}

// isVersionKey matches signature scheme keys such as v0 and v1.
func isVersionKey(key string) bool {
	if len(key) < 2 || key[0] != 'v' {
		return false
	}
	for _, r := range key[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Sign returns the composite header value for raw signed at ts.
func Sign(secret string, ts time.Time, raw []byte) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(raw)
	return "t=" + timestamp + ",v0=" + hex.EncodeToString(mac.Sum(nil))
}
