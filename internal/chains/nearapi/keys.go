package nearapi

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/crosslock-exchange/crosslock/internal/session"
)

const ed25519Prefix = "ed25519:"

// Credentials holds a NEAR account's signing material.
type Credentials struct {
	AccountID  string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// credentialFile matches the near-cli credential store layout.
type credentialFile struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// ResolveCredentials loads signing credentials, preferring the
// filesystem store (~/.near-credentials/<network>/<account>.json) over
// the configured key string.
func ResolveCredentials(networkID, accountID, configuredKey string) (*Credentials, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: near account id not configured", session.ErrValidation)
	}

	if creds, err := loadCredentialFile(networkID, accountID); err == nil {
		return creds, nil
	}

	if configuredKey != "" {
		priv, err := ParsePrivateKey(configuredKey)
		if err != nil {
			return nil, err
		}
		return &Credentials{
			AccountID:  accountID,
			PublicKey:  priv.Public().(ed25519.PublicKey),
			PrivateKey: priv,
		}, nil
	}

	return nil, fmt.Errorf("%w: no credentials for %s", session.ErrWriteUnavailable, accountID)
}

func loadCredentialFile(networkID, accountID string) (*Credentials, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".near-credentials", networkID, accountID+".json")

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file credentialFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse credential file %s: %w", path, err)
	}

	priv, err := ParsePrivateKey(file.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("credential file %s: %w", path, err)
	}

	account := file.AccountID
	if account == "" {
		account = accountID
	}
	return &Credentials{
		AccountID:  account,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// ParsePrivateKey decodes an "ed25519:<base58>" private key. NEAR
// serializes the 64-byte expanded form (seed followed by public key);
// the embedded public key must match the seed and be a canonical
// curve point.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	if !strings.HasPrefix(s, ed25519Prefix) {
		return nil, fmt.Errorf("%w: private key missing %q prefix", session.ErrValidation, ed25519Prefix)
	}

	raw := base58.Decode(strings.TrimPrefix(s, ed25519Prefix))
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key has %d bytes, want %d",
			session.ErrValidation, len(raw), ed25519.PrivateKeySize)
	}

	priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	derived := priv.Public().(ed25519.PublicKey)
	if !derived.Equal(ed25519.PublicKey(raw[ed25519.SeedSize:])) {
		return nil, fmt.Errorf("%w: private key public half does not match seed", session.ErrValidation)
	}
	if _, err := new(edwards25519.Point).SetBytes(derived); err != nil {
		return nil, fmt.Errorf("%w: non-canonical public key: %v", session.ErrValidation, err)
	}

	return priv, nil
}

// EncodePublicKey renders a public key in NEAR's "ed25519:<base58>"
// form, as expected by access-key queries.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return ed25519Prefix + base58.Encode(pub)
}
