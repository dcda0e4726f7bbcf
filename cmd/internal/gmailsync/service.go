package gmailsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Credential files inside the config dir.
const (
	ClientSecretFile = "client_secret.json"
	TokenFile        = "token.json"
)

// ErrNoToken reports that the config dir holds no cached token yet.
var ErrNoToken = errors.New("gmailsync: no cached oauth token")

// OAuthConfig loads the OAuth client from configDir with read-only Gmail scope.
func OAuthConfig(configDir string) (*oauth2.Config, error) {
	path := filepath.Join(configDir, ClientSecretFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials at %s: %w", path, err)
	}
	cfg, err := google.ConfigFromJSON(b, gmailv1.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}
	return cfg, nil
}

// NewService builds a Gmail client from the cached token in configDir.
// It returns ErrNoToken when the user has not authorized yet.
func NewService(ctx context.Context, configDir string) (*gmailv1.Service, error) {
	cfg, err := OAuthConfig(configDir)
	if err != nil {
		return nil, err
	}
	tok, err := readToken(filepath.Join(configDir, TokenFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// AuthURL is the consent page the user opens to obtain an authorization code.
func AuthURL(cfg *oauth2.Config) string {
	return cfg.AuthCodeURL("supporthub-import", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for a token and caches it in configDir.
func ExchangeCode(ctx context.Context, cfg *oauth2.Config, configDir, code string) error {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	return saveToken(filepath.Join(configDir, TokenFile), tok)
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// saveToken writes through a temp file so a crash never leaves a torn token.
func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
