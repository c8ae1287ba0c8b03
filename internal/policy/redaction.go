package policy

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks emails, card numbers and phone numbers in transcript text
// before it reaches the logs.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones, a card number also matches the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// credentialParams are query parameters that never appear in logs.
var credentialParams = []string{"auth_token", "token", "api_key", "key"}

// RedactURL masks credential query parameters of rawURL. Unparseable input
// is replaced entirely.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[REDACTED_URL]"
	}
	if u.User != nil {
		u.User = url.User("[REDACTED]")
	}
	q := u.Query()
	masked := false
	for key := range q {
		for _, p := range credentialParams {
			if strings.EqualFold(key, p) {
				q.Set(key, "REDACTED")
				masked = true
			}
		}
	}
	if masked {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
