package emulator

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		TokenTTL:      10 * time.Minute,
		Clock:         func() time.Time { return now },
	})

	token, expiresIn, err := issuer.IssueDeviceToken("2814612345", "device-a")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != 600 {
		t.Fatalf("expected 600 second lifetime, got %d", expiresIn)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.Subject != "2814612345" || claims.DeviceToken != "device-a" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Issuer != defaultTokenIssuer {
		t.Fatalf("expected default issuer, got %q", claims.Issuer)
	}
}

func TestTokenIssuerRejects(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})
	token, _, err := issuer.IssueDeviceToken("1", "device-a")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	later := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Clock:         func() time.Time { return now.Add(time.Hour) },
	})
	if _, err := later.ValidateToken(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other"),
		Clock:         func() time.Time { return now },
	})
	if _, err := other.ValidateToken(token); !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}

	testCases := []struct {
		name        string
		issuer      *TokenIssuer
		xuid        string
		deviceToken string
		want        error
	}{
		{name: "missing secret", issuer: NewTokenIssuer(TokenIssuerConfig{}), xuid: "1", deviceToken: "d", want: errMissingSigningSecret},
		{name: "missing subject", issuer: issuer, deviceToken: "d", want: errMissingSubjectClaim},
		{name: "missing device", issuer: issuer, xuid: "1", want: errMissingDeviceClaim},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, _, err := testCase.issuer.IssueDeviceToken(testCase.xuid, testCase.deviceToken); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}
