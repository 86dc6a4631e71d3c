package types

// TokenRequest is the body of POST /api/tokens. Token is minted when empty
// and TTLSeconds falls back to the configured default when zero.
type TokenRequest struct {
	Token      string            `json:"token,omitempty"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	TTLSeconds int               `json:"ttl_seconds,omitempty"`
	InstanceID string            `json:"instance_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
