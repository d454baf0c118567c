// Package secrets keeps per-service credentials in a single file encrypted
// with AES-256-GCM under a key derived from a master secret.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

var (
	// ErrNoCredentials is returned when a service has no stored credentials
	ErrNoCredentials = errors.New("no credentials stored for service")
	// ErrInvalidMasterKey is returned when the master secret cannot open the bundle
	ErrInvalidMasterKey = errors.New("invalid master key")
)

const (
	envelopeVersion = 1
	saltSize        = 16
	keySize         = 32

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ServiceCredentials is the login for one external service
type ServiceCredentials struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret,omitempty"`
}

// String never renders the secret parts
func (c ServiceCredentials) String() string {
	totp := "no"
	if c.TOTPSecret != "" {
		totp = "yes"
	}
	return fmt.Sprintf("login=%s password=[REDACTED] totp=%s", c.Login, totp)
}

// Bundle holds credentials keyed by service name
type Bundle struct {
	Services map[string]ServiceCredentials `json:"services"`
}

type envelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Ciphertext string `json:"ciphertext"`
}

// Store is a file backed encrypted credential bundle
type Store struct {
	path string

	mu   sync.RWMutex
	salt []byte
	key  []byte
}

// Open derives the key for path from master. If the file exists the master
// secret must decrypt it.
func Open(path, master string) (*Store, error) {
	if master == "" {
		return nil, fmt.Errorf("%w: master key is empty", ErrInvalidMasterKey)
	}

	s := &Store{path: path}
	env, err := s.readEnvelope()
	if err != nil {
		return nil, err
	}

	if env == nil {
		s.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, s.salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		s.key = deriveKey(master, s.salt)
		return s, nil
	}

	s.salt, err = base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	s.key = deriveKey(master, s.salt)
	if _, err := s.decrypt(env.Ciphertext); err != nil {
		return nil, ErrInvalidMasterKey
	}
	return s, nil
}

// Get returns the decrypted bundle, or nil when nothing has been stored
func (s *Store) Get(ctx context.Context) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

// Set encrypts and stores b, replacing any previous bundle
func (s *Store) Set(ctx context.Context, b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(b, s.salt, s.key)
}

// Verify reports whether candidate is the current master secret
func (s *Store) Verify(candidate string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return subtle.ConstantTimeCompare(deriveKey(candidate, s.salt), s.key) == 1
}

// Rotate re-encrypts the bundle under newMaster with a fresh salt
func (s *Store) Rotate(ctx context.Context, newMaster string) error {
	if newMaster == "" {
		return fmt.Errorf("%w: master key is empty", ErrInvalidMasterKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, err := s.load()
	if err != nil {
		return err
	}
	if bundle == nil {
		bundle = &Bundle{Services: map[string]ServiceCredentials{}}
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key := deriveKey(newMaster, salt)
	if err := s.save(bundle, salt, key); err != nil {
		return err
	}
	s.salt, s.key = salt, key

	logrus.Info("Secret store master key rotated")
	return nil
}

// Credentials returns the credentials stored for service
func (s *Store) Credentials(ctx context.Context, service string) (*ServiceCredentials, error) {
	bundle, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, service)
	}
	creds, ok := bundle.Services[service]
	if !ok || creds.Login == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, service)
	}
	return &creds, nil
}

// SetCredentials stores creds for service, keeping other services intact
func (s *Store) SetCredentials(ctx context.Context, service string, creds ServiceCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, err := s.load()
	if err != nil {
		return err
	}
	if bundle == nil {
		bundle = &Bundle{}
	}
	if bundle.Services == nil {
		bundle.Services = map[string]ServiceCredentials{}
	}
	bundle.Services[service] = creds
	return s.save(bundle, s.salt, s.key)
}

func (s *Store) load() (*Bundle, error) {
	env, err := s.readEnvelope()
	if err != nil || env == nil {
		return nil, err
	}
	plaintext, err := s.decrypt(env.Ciphertext)
	if err != nil {
		return nil, ErrInvalidMasterKey
	}
	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode credential bundle: %w", err)
	}
	return &bundle, nil
}

func (s *Store) save(b *Bundle, salt, key []byte) error {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode credential bundle: %w", err)
	}
	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(envelope{
		Version:    envelopeVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: ciphertext,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func (s *Store) readEnvelope() (*envelope, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret store: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode secret store: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported secret store version %d", env.Version)
	}
	return &env, nil
}

func (s *Store) decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, cipherBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, cipherBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func deriveKey(master string, salt []byte) []byte {
	return argon2.IDKey([]byte(master), salt, argonTime, argonMemory, argonThreads, keySize)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace secret store: %w", err)
	}
	return nil
}
