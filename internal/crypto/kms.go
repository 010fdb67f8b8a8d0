package crypto

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// DefaultKeyAlias is used when no KMS key id is configured.
const DefaultKeyAlias = "alias/drivesync-token-key"

// Encryptor protects refresh tokens at rest.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSClient is the subset of *kms.Client used by KMSService.
type KMSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSService implements Encryptor using AWS KMS.
type KMSService struct {
	client KMSClient
	keyID  string

	// encryption context bound to every ciphertext
	purpose string
}

// NewKMSService creates a KMSService for keyID (key id, ARN or alias).
func NewKMSService(client KMSClient, keyID string) *KMSService {
	if keyID == "" {
		keyID = DefaultKeyAlias
	}
	return &KMSService{client: client, keyID: keyID, purpose: "oauth-refresh-token"}
}

// Encrypt returns the base64 encoded ciphertext for plaintext.
func (s *KMSService) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(s.keyID),
		Plaintext:         []byte(plaintext),
		EncryptionContext: map[string]string{"purpose": s.purpose},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt reverses Encrypt.
func (s *KMSService) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    blob,
		KeyId:             aws.String(s.keyID),
		EncryptionContext: map[string]string{"purpose": s.purpose},
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(out.Plaintext), nil
}
