package utils

import (
	"net/url"
	"strings"

	"vncproxy/internal/constants"
)

// ConsoleURL appends the token to the public viewer URL. It returns an
// empty string when base is empty or unparsable.
func ConsoleURL(base, token string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	if IsStandardPort(u.Scheme, u.Port()) {
		u.Host = u.Hostname()
	}
	if u.Path == "" {
		u.Path = "/" + constants.DefaultAssetIndex
	}
	q := u.Query()
	q.Set(constants.TokenQueryParam, token)
	u.RawQuery = q.Encode()
	return u.String()
}

func IsStandardPort(scheme, port string) bool {
	if scheme == "http" && port == "80" {
		return true
	}
	if scheme == "https" && port == "443" {
		return true
	}
	return false
}
