package types

import "time"

type TokenResponse struct {
	Token     string    `json:"token"`
	Target    string    `json:"target"`
	ExpiresAt time.Time `json:"expires_at"`
	URL       string    `json:"url,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
