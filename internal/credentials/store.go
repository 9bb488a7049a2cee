package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrMissing is returned by callers that require a saved profile for a
	// remote placement and found none.
	ErrMissing = errors.New("no credentials saved for remote")

	// ErrDecrypt marks a soft failure: a stored secret could not be
	// decrypted (typically because the key material was replaced after the
	// profile was written). The profile is still returned with the field in
	// its encrypted form so the caller can decide what to do.
	ErrDecrypt = errors.New("could not decrypt credential field")

	// ErrKeyMaterial means the key file is gone but encrypted profiles
	// exist. Regenerating a key here would orphan every stored secret, so
	// the store refuses to open instead.
	ErrKeyMaterial = errors.New("encryption key material missing for existing credential store")
)

const (
	storeFile = "remotes.json"
	keyFile   = ".modelfetch.key"
	keySize   = 32
)

// RemoteProfile is one named cloud storage destination. The two key fields
// are stored encrypted; everything else is cleartext.
type RemoteProfile struct {
	Provider        string `json:"provider"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region,omitempty"`
}

type document struct {
	Remotes map[string]RemoteProfile `json:"remotes"`
}

// Store persists remote profiles as a JSON document next to a separately
// kept AES-256 key file. Intended for a single process; concurrent access
// within that process is guarded by the mutex, on disk it is last writer
// wins.
type Store struct {
	dir    string
	encKey []byte
	mu     sync.RWMutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credential store directory: %w", err)
	}

	s := &Store{dir: dir}
	if err := s.initEncryptionKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) storePath() string {
	return filepath.Join(s.dir, storeFile)
}

func (s *Store) keyPath() string {
	return filepath.Join(s.dir, keyFile)
}

func (s *Store) initEncryptionKey() error {
	raw, err := os.ReadFile(s.keyPath())
	if errors.Is(err, os.ErrNotExist) {
		doc, loadErr := s.loadDocument()
		if loadErr == nil && len(doc.Remotes) > 0 {
			return fmt.Errorf("%w: %d profile(s) would be orphaned", ErrKeyMaterial, len(doc.Remotes))
		}
		return s.generateKey()
	}
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("decoding key file: %w", err)
	}
	if len(key) != keySize {
		return fmt.Errorf("key file holds %d bytes, expected %d", len(key), keySize)
	}

	s.encKey = key
	return nil
}

func (s *Store) generateKey() error {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generating encryption key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(s.keyPath(), []byte(encoded+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}

	if err := addToGitignore(s.dir); err != nil {
		slog.Warn("could not update credential store gitignore", "dir", s.dir, "error", err)
	}

	slog.Info("generated new credential encryption key", "path", s.keyPath())
	s.encKey = key
	return nil
}

// addToGitignore keeps the key and the credential document out of any
// version control tracking the store directory.
func addToGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	entries := []string{keyFile, storeFile}

	existing := map[string]struct{}{}
	if raw, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(raw), "\n") {
			existing[strings.TrimSpace(line)] = struct{}{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	var missing []string
	for _, entry := range entries {
		if _, ok := existing[entry]; !ok {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(strings.Join(missing, "\n") + "\n")
	return err
}

func (s *Store) loadDocument() (document, error) {
	doc := document{Remotes: map[string]RemoteProfile{}}

	raw, err := os.ReadFile(s.storePath())
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("reading credential store: %w", err)
	}

	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parsing credential store: %w", err)
	}
	if doc.Remotes == nil {
		doc.Remotes = map[string]RemoteProfile{}
	}
	return doc, nil
}

func (s *Store) saveDocument(doc document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential store: %w", err)
	}
	if err := os.WriteFile(s.storePath(), raw, 0o600); err != nil {
		return fmt.Errorf("writing credential store: %w", err)
	}
	return nil
}

// Save validates and persists the profile under name, replacing any existing
// entry of that name. The key fields are encrypted before they touch disk.
func (s *Store) Save(name string, profile RemoteProfile) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("remote name is required")
	}
	if profile.Provider == "" {
		return errors.New("provider is required")
	}
	if profile.AccessKeyID == "" || profile.SecretAccessKey == "" {
		return errors.New("access_key_id and secret_access_key are required")
	}
	if profile.Bucket == "" {
		return errors.New("bucket is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument()
	if err != nil {
		return err
	}

	encrypted := profile
	if encrypted.AccessKeyID, err = s.encrypt(profile.AccessKeyID); err != nil {
		return fmt.Errorf("encrypting access key id: %w", err)
	}
	if encrypted.SecretAccessKey, err = s.encrypt(profile.SecretAccessKey); err != nil {
		return fmt.Errorf("encrypting secret access key: %w", err)
	}

	doc.Remotes[name] = encrypted
	return s.saveDocument(doc)
}

// Get returns the named profile with its secrets decrypted, or (nil, nil)
// when no profile of that name exists. When a secret cannot be decrypted the
// profile is returned with that field still encrypted and the error wraps
// ErrDecrypt; callers may treat it as advisory and continue.
func (s *Store) Get(name string) (*RemoteProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.loadDocument()
	if err != nil {
		return nil, err
	}

	profile, ok := doc.Remotes[name]
	if !ok {
		return nil, nil
	}

	var softErr error
	if plain, err := s.decrypt(profile.AccessKeyID); err != nil {
		slog.Warn("leaving access key id encrypted", "remote", name, "error", err)
		softErr = fmt.Errorf("access_key_id for %q: %w", name, ErrDecrypt)
	} else {
		profile.AccessKeyID = plain
	}
	if plain, err := s.decrypt(profile.SecretAccessKey); err != nil {
		slog.Warn("leaving secret access key encrypted", "remote", name, "error", err)
		softErr = fmt.Errorf("secret_access_key for %q: %w", name, ErrDecrypt)
	} else {
		profile.SecretAccessKey = plain
	}

	return &profile, softErr
}

// List returns the saved profile names in sorted order.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.loadDocument()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(doc.Remotes))
	for name := range doc.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Profiles returns every saved profile with the secret fields still
// encrypted, for callers that enumerate or display remotes without needing
// to authenticate with them.
func (s *Store) Profiles() (map[string]RemoteProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.loadDocument()
	if err != nil {
		return nil, err
	}
	return doc.Remotes, nil
}

// Delete removes the named profile. Deleting an absent name is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument()
	if err != nil {
		return err
	}

	if _, ok := doc.Remotes[name]; !ok {
		return nil
	}
	delete(doc.Remotes, name)
	return s.saveDocument(doc)
}

func (s *Store) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(s.encKey)
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

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, cipherBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, cipherBytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
