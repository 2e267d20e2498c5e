package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenExpiry = time.Hour

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("token secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// TokenMinter issues the short-lived HS256 access tokens the store and
// realtime clients present to the hosted backend.
type TokenMinter struct {
	Config
	now func() time.Time
}

func NewTokenMinter(config Config) (*TokenMinter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TokenMinter{
		Config: config,
		now:    time.Now,
	}, nil
}

func (tm *TokenMinter) Mint(userID string) (string, error) {
	now := tm.now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": "authenticated",
		"iat":  now.Unix(),
		"exp":  now.Add(tm.TokenExpiry).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secretBytes)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
