package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"

	"pulse/pkg/logx"
)

// Secrets file configuration.
const (
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// ErrSecretNotFound is returned when a secret is in neither the store nor
// the environment.
var ErrSecretNotFound = errors.New("secret not found")

// ErrDecrypt is returned for a wrong password or a tampered file.
var ErrDecrypt = errors.New("decryption failed (wrong password or corrupted file)")

// SecretStore holds decrypted secrets in memory.
type SecretStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSecretStore wraps values, which may be nil.
func NewSecretStore(values map[string]string) *SecretStore {
	s := &SecretStore{values: make(map[string]string, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Get returns a secret using standard precedence:
// 1. Decrypted secrets file (in memory)
// 2. Environment variables.
func (s *SecretStore) Get(name string) (string, error) {
	s.mu.RLock()
	value, ok := s.values[name]
	s.mu.RUnlock()
	if ok && value != "" {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s is not in the secrets file or environment", ErrSecretNotFound, name)
}

// Set stores a secret in memory.
func (s *SecretStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Delete removes a secret from memory.
func (s *SecretStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Names returns the stored secret names (not values), sorted.
func (s *SecretStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save encrypts the in-memory secrets to the workspace's secrets file.
func (s *SecretStore) Save(workspace, password string) error {
	s.mu.RLock()
	secretsCopy := make(map[string]string, len(s.values))
	for k, v := range s.values {
		secretsCopy[k] = v
	}
	s.mu.RUnlock()

	return EncryptSecretsFile(workspace, password, secretsCopy)
}

// LoadSecrets decrypts the workspace's secrets file into a store. A
// missing file yields an empty store so environment variables still apply.
func LoadSecrets(workspace, password string) (*SecretStore, error) {
	if !SecretsFileExists(workspace) {
		return NewSecretStore(nil), nil
	}
	values, err := DecryptSecretsFile(workspace, password)
	if err != nil {
		return nil, err
	}
	return NewSecretStore(values), nil
}

// SecretsPath returns the encrypted secrets file location.
func SecretsPath(workspace string) string {
	return filepath.Join(Dir(workspace), secretsFileName)
}

// SecretsFileExists checks if the secrets file exists in the workspace.
func SecretsFileExists(workspace string) bool {
	_, err := os.Stat(SecretsPath(workspace))
	return err == nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(password, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptSecretsFile encrypts secrets to .pulse/secrets.json.enc with mode
// 0600. The file layout is [salt][nonce][ciphertext+tag].
func EncryptSecretsFile(workspace, password string, secrets map[string]string) error {
	if password == "" {
		return fmt.Errorf("secrets password cannot be empty")
	}
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(passwordBytes, salt)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	path := SecretsPath(workspace)
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to set secrets file permissions: %w", err)
	}
	return nil
}

// DecryptSecretsFile decrypts .pulse/secrets.json.enc. A file with loose
// permissions is tightened to 0600 first.
func DecryptSecretsFile(workspace, password string) (map[string]string, error) {
	path := SecretsPath(workspace)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logx.Warnf("Secrets file has permissions %04o, resetting to 0600", info.Mode().Perm())
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	minSize := saltSize + nonceSize + 16 // 16 is GCM tag size
	if len(fileData) < minSize {
		return nil, fmt.Errorf("secrets file is corrupted or invalid format (too small)")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passwordBytes := []byte(password)
	defer zero(passwordBytes)
	gcm, err := newGCM(passwordBytes, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	defer zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}
