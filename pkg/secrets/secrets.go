// Package secrets handles credentials that arrive in encrypted form. Values
// prefixed with "enc:" are handed to a Decrypter; everything else passes
// through untouched. Real decryption is an external collaborator concern;
// the default implementation only strips the prefix.
package secrets

import (
	"fmt"
	"strings"
)

// EncryptedPrefix marks a credential value as pending decryption.
const EncryptedPrefix = "enc:"

// Decrypter decrypts an encrypted credential payload (the part after "enc:").
type Decrypter interface {
	Decrypt(payload string) (string, error)
}

// DecrypterFunc adapts a function to the Decrypter interface.
type DecrypterFunc func(payload string) (string, error)

func (f DecrypterFunc) Decrypt(payload string) (string, error) { return f(payload) }

// Passthrough returns the payload unchanged. It stands in until a real
// decryption collaborator is wired.
func Passthrough() Decrypter {
	return DecrypterFunc(func(payload string) (string, error) {
		return payload, nil
	})
}

// IsEncrypted reports whether the value carries the encrypted-credential prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// Resolve returns the plaintext for a credential value. Unprefixed values are
// returned as-is; prefixed values are decrypted with d (Passthrough when nil).
func Resolve(value string, d Decrypter) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if d == nil {
		d = Passthrough()
	}
	plaintext, err := d.Decrypt(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("decrypting credential: %w", err)
	}
	return plaintext, nil
}
