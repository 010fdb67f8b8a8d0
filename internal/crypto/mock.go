package crypto

import (
	"context"
	"strings"
)

const mockPrefix = "mock:"

// MockEncryptor implements Encryptor for DEV_MODE and tests.
// Ciphertext is the plaintext with a "mock:" prefix.
type MockEncryptor struct{}

func NewMockEncryptor() *MockEncryptor {
	return &MockEncryptor{}
}

func (m *MockEncryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return mockPrefix + plaintext, nil
}

func (m *MockEncryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, mockPrefix), nil
}
