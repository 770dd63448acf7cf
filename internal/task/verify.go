package task

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	v1 "github.com/raffis/rageta-agent/pkg/apis/agent/v1"
	"github.com/zeebo/blake3"
	"sigs.k8s.io/yaml"
)

// VerificationMode controls how a failed package verification is treated.
type VerificationMode string

const (
	VerificationNone    VerificationMode = "None"
	VerificationWarning VerificationMode = "Warning"
	VerificationError   VerificationMode = "Error"
)

// Verifier checks the integrity of a downloaded task package.
type Verifier interface {
	Verify(ctx context.Context, ref v1.TaskReference) error
}

type archiveLocator interface {
	ArchivePath(ref v1.TaskReference) string
}

// DigestVerifier compares the blake3 digest of a task archive with a list of trusted digests.
type DigestVerifier struct {
	archives archiveLocator
	digests  map[string]string
}

func NewDigestVerifier(archives archiveLocator, digests map[string]string) *DigestVerifier {
	normalized := make(map[string]string, len(digests))
	for k, v := range digests {
		normalized[strings.ToLower(k)] = strings.ToLower(v)
	}

	return &DigestVerifier{archives: archives, digests: normalized}
}

// LoadDigests reads a `<id>@<version>: <digest>` document.
func LoadDigests(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	digests := make(map[string]string)
	if err := yaml.Unmarshal(b, &digests); err != nil {
		return nil, fmt.Errorf("invalid digest file %s: %w", path, err)
	}

	return digests, nil
}

func (v *DigestVerifier) Verify(ctx context.Context, ref v1.TaskReference) error {
	expected, ok := v.digests[cacheKey(ref)]
	if !ok {
		return fmt.Errorf("%w: no trusted digest for %s@%s", ErrVerificationFailed, ref.Name, ref.Version)
	}

	f, err := os.Open(v.archives.ArchivePath(ref))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	defer func() {
		_ = f.Close()
	}()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return fmt.Errorf("%w: digest mismatch for %s@%s", ErrVerificationFailed, ref.Name, ref.Version)
	}

	return nil
}
