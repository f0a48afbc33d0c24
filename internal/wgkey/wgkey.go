// Package wgkey generates and validates WireGuard Curve25519 keys.
package wgkey

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// GenerateKeyPair returns a fresh base64-encoded private/public key pair.
// An error means the system CSPRNG failed; there is no fallback source.
func GenerateKeyPair() (privateKey, publicKey string, err error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	return priv.String(), priv.PublicKey().String(), nil
}

// PublicKey derives the public key from a base64-encoded private key.
func PublicKey(privateKey string) (string, error) {
	k, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return k.PublicKey().String(), nil
}

// ParseKey reports whether s is a well-formed 32-byte base64 key.
func ParseKey(s string) error {
	if _, err := wgtypes.ParseKey(s); err != nil {
		return fmt.Errorf("parse key: %w", err)
	}
	return nil
}
