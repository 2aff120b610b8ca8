package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/leadroute/leadroute/pkg/models"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"

	redacted = "[redacted]"
)

// ErrCredentialUnavailable is returned when the stored credential cannot be used. Its text is
// what the ledger records, so it never carries detail about the secret.
var ErrCredentialUnavailable = errors.New("credential_error")

// secrets is the plaintext material attached to one dispatch.
type secrets struct {
	credential models.Credential
	signing    string
	basic      string
	authName   string
	authValue  string
}

// values lists every string that must be scrubbed from diagnostics.
func (s secrets) values() []string {
	values := s.credential.Secrets()

	if s.signing != "" {
		values = append(values, s.signing)
	}

	if s.basic != "" {
		values = append(values, s.basic)
	}

	return values
}

// scrub replaces any secret occurring in msg.
func (s secrets) scrub(msg string) string {
	for _, v := range s.values() {
		msg = strings.ReplaceAll(msg, v, redacted)
	}

	return msg
}

// authHeader resolves the header carrying the credential for the partner's auth method.
// A method whose fields are missing is a credential error.
func authHeader(method models.AuthMethod, credential models.Credential) (name, value string, err error) {
	switch method {
	case models.AuthMethodNone, "":
		return "", "", nil
	case models.AuthMethodAPIKey:
		if credential.APIKey == "" {
			return "", "", ErrCredentialUnavailable
		}

		return HeaderAPIKey, credential.APIKey, nil
	case models.AuthMethodBearer:
		if credential.BearerToken == "" {
			return "", "", ErrCredentialUnavailable
		}

		return "Authorization", "Bearer " + credential.BearerToken, nil
	case models.AuthMethodBasic:
		if credential.Username == "" && credential.Password == "" {
			return "", "", ErrCredentialUnavailable
		}

		return "Authorization", "Basic " + basicToken(credential), nil
	case models.AuthMethodCustomHeader:
		if credential.HeaderName == "" || credential.HeaderValue == "" {
			return "", "", ErrCredentialUnavailable
		}

		return credential.HeaderName, credential.HeaderValue, nil
	default:
		return "", "", ErrCredentialUnavailable
	}
}

func basicToken(credential models.Credential) string {
	return base64.StdEncoding.EncodeToString([]byte(credential.Username + ":" + credential.Password))
}

// sign returns the signature header value for body.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// applyHeaders sets the static partner headers. Auth and signature headers are set afterwards.
func applyHeaders(header http.Header, partner *models.PartnerAPI, userAgent string, hasBody bool) {
	for k, v := range partner.Headers {
		header.Set(k, v)
	}

	if hasBody {
		header.Set("Content-Type", "application/json")
	}

	header.Set("Accept", "application/json")
	header.Set("User-Agent", userAgent)
}
