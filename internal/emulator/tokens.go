package emulator

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL      = 30 * time.Minute
	defaultTokenIssuer   = "lobbysync-emulator"
	defaultTokenAudience = "lobbysync-directory"
)

// TokenIssuerConfig configures the device token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// DeviceClaims identify the caller of a directory request.
type DeviceClaims struct {
	jwt.RegisteredClaims
	DeviceToken string `json:"device_token"`
}

// TokenIssuer issues and validates HS256 device tokens.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultTokenIssuer
	}
	audience := cfg.Audience
	if audience == "" {
		audience = defaultTokenAudience
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        issuer,
			Audience:      audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueDeviceToken produces a signed JWT for xuid on deviceToken and its lifetime in seconds.
func (i *TokenIssuer) IssueDeviceToken(xuid, deviceToken string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if xuid == "" {
		return "", 0, errMissingSubjectClaim
	}
	if deviceToken == "" {
		return "", 0, errMissingDeviceClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   xuid,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DeviceToken: deviceToken,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the device token is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (DeviceClaims, error) {
	if len(i.config.SigningSecret) == 0 {
		return DeviceClaims{}, errMissingSigningSecret
	}

	claims := &DeviceClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return DeviceClaims{}, err
	}
	if claims.Subject == "" {
		return DeviceClaims{}, errMissingSubjectClaim
	}
	if claims.DeviceToken == "" {
		return DeviceClaims{}, errMissingDeviceClaim
	}
	return *claims, nil
}
