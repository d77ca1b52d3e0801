package minutes

import (
	"fmt"
	"strings"
)

// CSRFCookie is the cookie carrying the token echoed in the bv-csrf-token header.
const CSRFCookie = "bv_csrf_token"

const csrfTokenLength = 36

// MissingTokenError reports a cookie string without the wanted key.
type MissingTokenError struct {
	Key    string
	Reason string
}

func (e *MissingTokenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cookie %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("cookie does not contain %s", e.Key)
}

// ParseCookieValue extracts key from a "k1=v1; k2=v2" cookie string.
func ParseCookieValue(cookie, key string) (string, error) {
	for _, part := range strings.Split(cookie, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(name) != key {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if value == "" {
			return "", &MissingTokenError{Key: key, Reason: "empty value"}
		}
		return value, nil
	}
	return "", &MissingTokenError{Key: key}
}

// csrfToken extracts and validates the CSRF token from the session cookie.
func csrfToken(cookie string) (string, error) {
	token, err := ParseCookieValue(cookie, CSRFCookie)
	if err != nil {
		return "", err
	}
	if len(token) != csrfTokenLength {
		return "", &MissingTokenError{
			Key:    CSRFCookie,
			Reason: fmt.Sprintf("expected %d characters, got %d", csrfTokenLength, len(token)),
		}
	}
	return token, nil
}
