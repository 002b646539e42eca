package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Credentials holds the API key triplet used for HMAC-signed requests.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Auth signs venue requests with HMAC-SHA256 over
// "timestamp + method + path [+ body]", the scheme shared by the venues we
// integrate. The secret is base64-encoded; several encodings are accepted
// because venues differ on padding.
type Auth struct {
	creds Credentials
}

// NewAuth creates a signer from credentials.
func NewAuth(creds Credentials) *Auth {
	return &Auth{creds: creds}
}

// HasCredentials reports whether the key triplet is configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.Secret != ""
}

// Headers generates the signed headers for an authenticated request.
func (a *Auth) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"X-API-KEY":        a.creds.APIKey,
		"X-API-SIGNATURE":  sig,
		"X-API-TIMESTAMP":  timestamp,
		"X-API-PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// buildHMAC computes the HMAC-SHA256 signature.
// message = timestamp + method + requestPath [+ body]
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
