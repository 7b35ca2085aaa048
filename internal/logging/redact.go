package logging

import (
	"net/url"
	"strings"
)

// RedactURL removes sensitive information from a URL for safe logging.
// It redacts user credentials and query parameters that look like secrets.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}

	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}

	return parsed.String()
}

// sensitiveParamPatterns are query parameter names that likely contain secrets
var sensitiveParamPatterns = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"auth",
	"credential",
	"key",
	"session",
	"sslpassword",
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values, len(params))
	for key, values := range params {
		keyLower := strings.ToLower(key)
		shouldRedact := false
		for _, pattern := range sensitiveParamPatterns {
			if strings.Contains(keyLower, pattern) {
				shouldRedact = true
				break
			}
		}
		if shouldRedact {
			redacted[key] = []string{"[REDACTED]"}
		} else {
			redacted[key] = values
		}
	}
	return redacted
}
