package task

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSClient is the subset of the AWS KMS client the secrets executor
// needs, narrow enough for a fake to stand in for tests.
type KMSClient interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

const (
	nonceSize   = 12
	authTagSize = 16
)

// SecretsExecutor implements the `secrets` task kind: envelope-decrypts
// credential material before a downstream executor runs, the way
// internal/credential.KMSEncryptionService already does for admin-surface
// credentials, here applied to a task's own encrypted parameters instead.
type SecretsExecutor struct {
	client KMSClient
}

// NewSecretsExecutor constructs a SecretsExecutor bound to a KMS client.
func NewSecretsExecutor(client KMSClient) *SecretsExecutor {
	return &SecretsExecutor{client: client}
}

func (e *SecretsExecutor) Execute(ctx context.Context, t Task, args map[string]any) Result {
	ciphertextB64, _ := t.Params["ciphertext"].(string)
	encryptedKeyB64, _ := t.Params["encrypted_key"].(string)
	if ciphertextB64 == "" || encryptedKeyB64 == "" {
		return Failf("secrets task %q: requires ciphertext and encrypted_key params", t.Name)
	}

	encryptedData, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return Fail(err)
	}
	encryptedKey, err := base64.StdEncoding.DecodeString(encryptedKeyB64)
	if err != nil {
		return Fail(err)
	}

	if len(encryptedData) < nonceSize+authTagSize+1 {
		return Failf("secrets task %q: encrypted data too short", t.Name)
	}
	nonce := encryptedData[:nonceSize]
	remaining := encryptedData[nonceSize:]
	ciphertext := remaining[:len(remaining)-authTagSize]
	authTag := remaining[len(remaining)-authTagSize:]

	dekOutput, err := e.client.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: encryptedKey})
	if err != nil {
		return Failf("secrets task %q: kms decrypt: %v", t.Name, err)
	}

	plaintext, err := decryptAESGCM(append(ciphertext, authTag...), nonce, dekOutput.Plaintext)
	if err != nil {
		return Fail(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		return Success(map[string]any{"value": string(plaintext)})
	}
	return Success(decoded)
}

func decryptAESGCM(ciphertextAndTag, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, authTagSize)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertextAndTag, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	return plaintext, nil
}
