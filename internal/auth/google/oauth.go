// Package google runs the browser-based Google OAuth flow and turns the
// resulting token into a verified identity.
package google

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
	defaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

var scopes = []string{"openid", "profile", "email"}

// Identity is the verified claim set returned by the provider.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// Config holds the OAuth application credentials and callback port.
type Config struct {
	ClientID     string
	ClientSecret string
	CallbackPort int
}

// Resolver drives the authorization-code flow with PKCE. Prompt is invoked
// with the consent URL the user must open; by default it is logged.
type Resolver struct {
	cfg    Config
	logger *zap.Logger
	http   *http.Client

	Prompt func(authURL string)

	authURL     string
	tokenURL    string
	userInfoURL string
}

// NewResolver builds a resolver against Google's endpoints.
func NewResolver(cfg Config, logger *zap.Logger) *Resolver {
	r := &Resolver{
		cfg:         cfg,
		logger:      logger,
		http:        &http.Client{Timeout: 30 * time.Second},
		authURL:     defaultAuthURL,
		tokenURL:    defaultTokenURL,
		userInfoURL: defaultUserInfoURL,
	}
	r.Prompt = func(authURL string) {
		logger.Info("open this URL in your browser to sign in", zap.String("url", authURL))
	}
	return r
}

// Resolve runs the full flow: consent URL, localhost callback, code
// exchange, userinfo fetch. It blocks until the callback fires or ctx ends.
func (r *Resolver) Resolve(ctx context.Context) (Identity, string, error) {
	if r.cfg.ClientID == "" || r.cfg.ClientSecret == "" {
		return Identity{}, "", fmt.Errorf("google oauth credentials are not configured")
	}

	flow, err := r.startAuth()
	if err != nil {
		return Identity{}, "", err
	}

	r.Prompt(flow.AuthURL)

	code, err := r.waitForCallback(ctx, flow.State)
	if err != nil {
		return Identity{}, "", err
	}

	token, err := r.exchangeCode(ctx, code, flow.Verifier)
	if err != nil {
		return Identity{}, "", err
	}

	identity, err := r.fetchUserInfo(ctx, token)
	if err != nil {
		return Identity{}, "", err
	}
	return identity, token, nil
}

type authFlow struct {
	Verifier string
	State    string
	AuthURL  string
}

func (r *Resolver) redirectURL() string {
	return fmt.Sprintf("http://localhost:%d/oauth/callback", r.cfg.CallbackPort)
}

// startAuth generates the PKCE verifier/challenge pair and the consent URL.
func (r *Resolver) startAuth() (*authFlow, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	u, err := url.Parse(r.authURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("client_id", r.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", r.redirectURL())
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return &authFlow{Verifier: verifier, State: state, AuthURL: u.String()}, nil
}

// exchangeCode trades the authorization code for an access token.
func (r *Resolver) exchangeCode(ctx context.Context, code, verifier string) (string, error) {
	data := url.Values{}
	data.Set("client_id", r.cfg.ClientID)
	data.Set("client_secret", r.cfg.ClientSecret)
	data.Set("code", code)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", r.redirectURL())
	data.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token exchange failed (%d): %s", resp.StatusCode, string(body))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("token exchange: decode response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token exchange: response carried no access token")
	}
	return token.AccessToken, nil
}

// fetchUserInfo resolves the access token into the holder's identity claims.
func (r *Resolver) fetchUserInfo(ctx context.Context, accessToken string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.userInfoURL, nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := r.http.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("fetch user info: status %d", resp.StatusCode)
	}

	var info struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Identity{}, fmt.Errorf("fetch user info: decode response: %w", err)
	}

	return Identity{
		Subject: info.ID,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}, nil
}
