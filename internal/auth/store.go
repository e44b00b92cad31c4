package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential is the bearer token presented to the agent on connect.
type Credential struct {
	Token     string `yaml:"token"`
	Endpoint  string `yaml:"endpoint,omitempty"` // agent the token was issued for
	SavedAt   int64  `yaml:"saved_at"`
	ExpiresAt int64  `yaml:"expires_at,omitempty"`
}

type TokenStore struct {
	Dir string
}

func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{Dir: dir}
}

func (s *TokenStore) tokenPath() string {
	return filepath.Join(s.Dir, "credential.yaml")
}

// Save writes cred with owner-only permissions. ExpiresAt is filled from the
// token's exp claim when the token is a JWT and the caller left it unset.
func (s *TokenStore) Save(cred *Credential) error {
	if cred.Token == "" {
		return fmt.Errorf("save credential: empty token")
	}
	if cred.SavedAt == 0 {
		cred.SavedAt = time.Now().Unix()
	}
	if cred.ExpiresAt == 0 {
		if u := CurrentUser(cred.Token); !u.ExpiresAt.IsZero() {
			cred.ExpiresAt = u.ExpiresAt.Unix()
		}
	}
	data, err := yaml.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := os.WriteFile(s.tokenPath(), data, 0600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Load returns the stored credential, or nil if none has been saved.
func (s *TokenStore) Load() (*Credential, error) {
	data, err := os.ReadFile(s.tokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credential: %w", err)
	}

	var cred Credential
	if err := yaml.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	return &cred, nil
}

func (s *TokenStore) Delete() error {
	err := os.Remove(s.tokenPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *TokenStore) IsValid(cred *Credential) bool {
	if cred == nil || cred.Token == "" {
		return false
	}
	if cred.ExpiresAt == 0 {
		return true
	}
	return time.Now().Unix() < cred.ExpiresAt
}
