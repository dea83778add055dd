package storage

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"

	"dropwire/crypto"
)

// Sealed column values carry this prefix so plaintext rows written before a
// storage key existed can still be read back.
const sealedFieldPrefix = "sealed:v1:"

func (s *Store) sealField(plaintext string) (string, error) {
	if len(s.cipherKey) == 0 {
		return plaintext, nil
	}

	ciphertext, iv, err := crypto.Encrypt(s.cipherKey, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("seal field: %w", err)
	}

	return sealedFieldPrefix +
		base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Store) openField(stored string) (string, error) {
	rest, ok := strings.CutPrefix(stored, sealedFieldPrefix)
	if !ok {
		return stored, nil
	}
	if len(s.cipherKey) == 0 {
		return "", fmt.Errorf("open field: sealed value but no storage key configured")
	}

	ivPart, ctPart, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("open field: malformed sealed value")
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return "", fmt.Errorf("open field: decode iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return "", fmt.Errorf("open field: decode ciphertext: %w", err)
	}

	plaintext, err := crypto.Decrypt(s.cipherKey, iv, ciphertext)
	if err != nil {
		return "", fmt.Errorf("open field: %w", err)
	}
	return string(plaintext), nil
}

func (s *Store) sealOptionalField(ptr *string) (sql.NullString, error) {
	if ptr == nil {
		return sql.NullString{}, nil
	}
	sealed, err := s.sealField(*ptr)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: sealed, Valid: true}, nil
}
