package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
)

type deviceSignIn struct {
	XUID        string `json:"xuid"`
	Gamertag    string `json:"gamertag"`
	DeviceToken string `json:"device_token"`
}

type deviceToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// signInDevice exchanges a device identity for emulator credentials.
func signInDevice(ctx context.Context, httpClient *http.Client, baseURL string, request deviceSignIn) (transport.Credentials, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return transport.Credentials{}, err
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/auth/device"
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return transport.Credentials{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	response, err := httpClient.Do(httpRequest)
	if err != nil {
		return transport.Credentials{}, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return transport.Credentials{}, fmt.Errorf("device sign-in failed: status %d", response.StatusCode)
	}
	var token deviceToken
	if err := json.NewDecoder(response.Body).Decode(&token); err != nil {
		return transport.Credentials{}, fmt.Errorf("device sign-in failed: %w", err)
	}
	return transport.Credentials{
		XUID:        request.XUID,
		DeviceToken: request.DeviceToken,
		Token:       token.AccessToken,
	}, nil
}
