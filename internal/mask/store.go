package mask

import (
	"io"
	"slices"
	"strings"
	"sync"
)

var DefaultMask []byte = []byte("***")

func NewSecretStore(mask []byte) *SecretStore {
	if len(mask) == 0 {
		mask = DefaultMask
	}

	return &SecretStore{
		placeholder: mask,
	}
}

// SecretStore holds secret values which must never reach a log sink unmasked.
type SecretStore struct {
	mu          sync.RWMutex
	placeholder []byte
	secrets     []string
}

func (s *SecretStore) AddSecrets(secrets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, secret := range secrets {
		if secret == "" || slices.Contains(s.secrets, secret) {
			continue
		}

		s.secrets = append(s.secrets, secret)
	}

	// longest first so a secret containing another one is masked as a whole
	slices.SortFunc(s.secrets, func(a, b string) int {
		return len(b) - len(a)
	})
}

func (s *SecretStore) Secrets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.secrets)
}

// Contains reports whether value contains any registered secret.
func (s *SecretStore) Contains(value string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, secret := range s.secrets {
		if strings.Contains(value, secret) {
			return true
		}
	}

	return false
}

func (s *SecretStore) Mask(value string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, secret := range s.secrets {
		value = strings.ReplaceAll(value, secret, string(s.placeholder))
	}

	return value
}

func (s *SecretStore) Writer(w io.Writer) io.Writer {
	return &maskedWriter{
		w:     w,
		store: s,
	}
}
