package idp

type Config struct {
	Issuer string `yaml:"issuer" env:"AUTHLINK_IDP_ISSUER"`

	// JWT configuration
	TokenSecret          string `yaml:"token_secret" env:"AUTHLINK_IDP_TOKEN_SECRET"` // Secret key for signing ID tokens
	IDTokenDuration      int    `yaml:"id_token_duration"`                            // ID token lifetime in seconds
	RefreshTokenDuration int    `yaml:"refresh_token_duration"`                       // Refresh token lifetime in seconds

	// Replacement credentials for link conflicts
	EncryptionKey        string `yaml:"encryption_key" env:"AUTHLINK_IDP_ENCRYPTION_KEY"` // 32 bytes, AES-256
	PendingTokenDuration int    `yaml:"pending_token_duration"`                           // Pending token lifetime in seconds

	HashCost int `yaml:"hash_cost"` // bcrypt cost for refresh token keys, 0 for default
}

const (
	defaultIssuer               = "authlink"
	defaultIDTokenDuration      = 3600
	defaultRefreshTokenDuration = 30 * 24 * 3600
	defaultPendingTokenDuration = 300
)

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Issuer == "" {
		out.Issuer = defaultIssuer
	}
	if out.IDTokenDuration <= 0 {
		out.IDTokenDuration = defaultIDTokenDuration
	}
	if out.RefreshTokenDuration <= 0 {
		out.RefreshTokenDuration = defaultRefreshTokenDuration
	}
	if out.PendingTokenDuration <= 0 {
		out.PendingTokenDuration = defaultPendingTokenDuration
	}
	return &out
}
