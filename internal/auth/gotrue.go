package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GoTrueClient talks to the Supabase Auth REST API.
type GoTrueClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

func NewGoTrueClient(supabaseURL, anonKey string) *GoTrueClient {
	return &GoTrueClient{
		baseURL:    supabaseURL + "/auth/v1",
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *GoTrueClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("apikey", c.anonKey)
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrInvalidToken
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("auth api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, ErrInvalidToken
	}
	return &user, nil
}

func (c *GoTrueClient) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/token?grant_type=refresh_token"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("apikey", c.anonKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Upstream error bodies may echo token material, so they are dropped.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w (status %d)", ErrRefreshFailed, resp.StatusCode)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, err
	}
	if session.AccessToken == "" {
		return nil, ErrRefreshFailed
	}
	return &session, nil
}
