package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Provider webhook headers. The signature header may carry several
// space-separated "version,base64" tokens to support secret rotation.
const (
	HeaderID        = "Webhook-Id"
	HeaderTimestamp = "Webhook-Timestamp"
	HeaderSignature = "Webhook-Signature"
)

const (
	// StaleTolerance bounds how old a delivery timestamp may be before it is
	// treated as a replay of a captured request.
	StaleTolerance = 300 * time.Second
	// FutureTolerance is the clock-skew allowance for timestamps ahead of us.
	FutureTolerance = 30 * time.Second

	secretPrefix     = "whsec_"
	signatureVersion = "v1"
)

// AuthReason classifies why a webhook failed authentication. Callers surface
// a bare 401 and keep the reason for logs only.
type AuthReason string

const (
	ReasonMissingHeader      AuthReason = "missing_header"
	ReasonMalformedTimestamp AuthReason = "malformed_timestamp"
	ReasonMalformedSignature AuthReason = "malformed_signature"
	ReasonStaleTimestamp     AuthReason = "stale_timestamp"
	ReasonFutureTimestamp    AuthReason = "future_timestamp"
	ReasonSignatureMismatch  AuthReason = "signature_mismatch"
)

// AuthError reports a failed webhook authentication.
type AuthError struct {
	Reason AuthReason
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Verifier authenticates inbound provider webhooks with HMAC-SHA256 over
// "{id}.{timestamp}.{body}".
type Verifier struct {
	secret []byte
	logger zerolog.Logger
}

// NewVerifier builds a verifier from the configured signing secret. The
// secret is accepted either as raw bytes or in the provider's prefixed
// base64 form ("whsec_..."). An empty secret disables verification entirely,
// which is only acceptable for local development; the constructor logs this
// loudly so it cannot slip into production silently.
func NewVerifier(secret string, logger zerolog.Logger) *Verifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		logger.Warn().Msg("webhook: no signing secret configured, signature verification is DISABLED")
		return &Verifier{logger: logger}
	}
	key := []byte(secret)
	if trimmed, ok := strings.CutPrefix(secret, secretPrefix); ok {
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			logger.Warn().Err(err).Msg("webhook: secret carries whsec_ prefix but is not valid base64, using raw bytes")
		} else {
			key = decoded
		}
	}
	return &Verifier{secret: key, logger: logger}
}

// Enabled reports whether a signing secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify authenticates the delivery described by headers against the raw
// request body. It never consumes a reader: the caller owns the body bytes
// and can hand them to the event decoder afterwards.
func (v *Verifier) Verify(h http.Header, body []byte, now time.Time) error {
	if !v.Enabled() {
		v.logger.Debug().Msg("webhook: verification skipped, no secret configured")
		return nil
	}

	deliveryID := strings.TrimSpace(h.Get(HeaderID))
	timestampRaw := strings.TrimSpace(h.Get(HeaderTimestamp))
	signatureRaw := strings.TrimSpace(h.Get(HeaderSignature))
	switch {
	case deliveryID == "":
		return &AuthError{Reason: ReasonMissingHeader, Detail: HeaderID}
	case timestampRaw == "":
		return &AuthError{Reason: ReasonMissingHeader, Detail: HeaderTimestamp}
	case signatureRaw == "":
		return &AuthError{Reason: ReasonMissingHeader, Detail: HeaderSignature}
	}

	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return &AuthError{Reason: ReasonMalformedTimestamp, Detail: timestampRaw}
	}
	age := now.Unix() - timestamp
	if age > int64(StaleTolerance/time.Second) {
		return &AuthError{Reason: ReasonStaleTimestamp, Detail: fmt.Sprintf("%ds old", age)}
	}
	if -age > int64(FutureTolerance/time.Second) {
		return &AuthError{Reason: ReasonFutureTimestamp, Detail: fmt.Sprintf("%ds ahead", -age)}
	}

	candidates := candidateSignatures(signatureRaw)
	if len(candidates) == 0 {
		return &AuthError{Reason: ReasonMalformedSignature}
	}

	expected := v.sign(deliveryID, timestampRaw, body)
	matched := false
	for _, candidate := range candidates {
		if hmac.Equal(expected, candidate) {
			matched = true
		}
	}
	if !matched {
		return &AuthError{Reason: ReasonSignatureMismatch, Detail: deliveryID}
	}
	return nil
}

func (v *Verifier) sign(deliveryID, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(deliveryID))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// Signature returns the base64 signature this verifier expects for the given
// delivery, in header token form. Used by outbound test fixtures and the
// local provider simulator.
func (v *Verifier) Signature(deliveryID string, timestamp int64, body []byte) string {
	raw := v.sign(deliveryID, strconv.FormatInt(timestamp, 10), body)
	return signatureVersion + "," + base64.StdEncoding.EncodeToString(raw)
}

// candidateSignatures extracts the decoded signatures carrying a recognized
// version prefix. Tokens with unknown versions or broken base64 are skipped.
func candidateSignatures(header string) [][]byte {
	var out [][]byte
	for _, token := range strings.Fields(header) {
		version, encoded, ok := strings.Cut(token, ",")
		if !ok || version != signatureVersion {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		out = append(out, decoded)
	}
	return out
}
