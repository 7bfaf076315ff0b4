package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the bearer credential of a logged in user.
// The token is opaque to the sync engine; UserID and ExpiresAt are read from it
// when it is a JWT.
type Credential struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the credential has a token and has not expired at now.
func (c Credential) Valid(now time.Time) bool {
	if c.Token == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// CredentialProvider supplies the credential of the logged in user.
type CredentialProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticCredential is a CredentialProvider for a credential obtained elsewhere.
type StaticCredential Credential

func (s StaticCredential) Credential(context.Context) (Credential, error) {
	if s.Token == "" {
		return Credential{}, ErrNoCredential
	}
	return Credential(s), nil
}

type credentialClaims struct {
	UserID FlexibleID `json:"userId"`
	jwt.RegisteredClaims
}

// CredentialFromToken builds a credential from a JWT without verifying its signature.
// The user id is taken from the userId claim, falling back to sub. userID overrides
// both when not empty.
func CredentialFromToken(token, userID string) (Credential, error) {
	if token == "" {
		return Credential{}, ErrNoCredential
	}
	claims := &credentialClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("parse token: %w", err)
	}
	c := Credential{Token: token, UserID: userID}
	if c.UserID == "" {
		c.UserID = string(claims.UserID)
	}
	if c.UserID == "" {
		c.UserID = claims.Subject
	}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	if c.UserID == "" {
		return Credential{}, errors.New("parse token: no user id")
	}
	return c, nil
}

// HTTPAuthenticator signs in against the chat server's auth endpoint.
type HTTPAuthenticator struct {
	BaseURL string
	Client  *http.Client
}

type signinRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signinResponse struct {
	Token  string     `json:"token"`
	Jwt    string     `json:"jwt"`
	UserID FlexibleID `json:"userId"`
}

// Signin exchanges a username and password for a credential.
func (a *HTTPAuthenticator) Signin(ctx context.Context, username, password string) (Credential, error) {
	body, err := json.Marshal(signinRequest{Username: username, Password: password})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal signin: %w", err)
	}
	url := strings.TrimSuffix(a.BaseURL, "/") + "/auth/signin"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("signin: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Credential{}, decodeAPIError(res)
	}

	var out signinResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("decode signin: %w", err)
	}
	token := out.Token
	if token == "" {
		token = out.Jwt
	}
	return CredentialFromToken(token, string(out.UserID))
}
