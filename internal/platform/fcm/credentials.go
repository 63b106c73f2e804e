package fcm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2/google"
)

// messagingScope is the OAuth2 scope required by the FCM HTTP v1 API.
const messagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// AccessTokenFunc exchanges a service-account JSON blob for a short-lived
// bearer token. Declared as a type so tests can stub the exchange.
type AccessTokenFunc func(ctx context.Context, serviceAccountJSON string) (string, error)

// AccessToken performs the standard service-account credential exchange.
// Tokens are not cached; every dispatch derives a fresh one and the auth
// library manages the validity window.
func AccessToken(ctx context.Context, serviceAccountJSON string) (string, error) {
	if strings.TrimSpace(serviceAccountJSON) == "" {
		return "", errors.New("service account JSON not configured")
	}

	cfg, err := google.JWTConfigFromJSON([]byte(serviceAccountJSON), messagingScope)
	if err != nil {
		return "", fmt.Errorf("invalid service account JSON: %w", err)
	}

	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	return tok.AccessToken, nil
}
