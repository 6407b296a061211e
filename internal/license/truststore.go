package license

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// TrustedKey is a trusted issuer key together with its fingerprint.
type TrustedKey struct {
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key_pem"`
	Source      string `json:"source,omitempty"`
}

// TrustStore is a TrustedKeys loaded from PEM files. Reloads replace the
// whole key set atomically.
type TrustStore struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
	info map[string]TrustedKey
}

// NewTrustStore loads every *.pem file in dir. A missing directory yields an
// empty store.
func NewTrustStore(dir string, logger *slog.Logger) (*TrustStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &TrustStore{
		dir:    dir,
		logger: logger.With(slog.String("component", "license.truststore")),
	}
	if err := ts.Reload(); err != nil {
		return nil, err
	}
	return ts, nil
}

// Reload re-reads the key directory. Unparseable files are skipped and logged.
func (ts *TrustStore) Reload() error {
	keys := make(map[string]*rsa.PublicKey)
	info := make(map[string]TrustedKey)

	entries, err := os.ReadDir(ts.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read trusted keys dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pem") {
			continue
		}
		path := filepath.Join(ts.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			ts.logger.Warn("Skipping unreadable trusted key", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		pub, err := ParsePublicKeyPEM(data)
		if err != nil {
			ts.logger.Warn("Skipping invalid trusted key", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		fp, err := Fingerprint(pub)
		if err != nil {
			return err
		}
		keys[fp] = pub
		info[fp] = TrustedKey{Fingerprint: fp, PublicKey: string(data), Source: e.Name()}
	}

	ts.mu.Lock()
	ts.keys = keys
	ts.info = info
	ts.mu.Unlock()

	ts.logger.Info("Trusted keys loaded", slog.String("dir", ts.dir), slog.Int("count", len(keys)))
	return nil
}

// Add trusts pub in memory without writing it to disk.
func (ts *TrustStore) Add(pub *rsa.PublicKey) (string, error) {
	fp, err := Fingerprint(pub)
	if err != nil {
		return "", err
	}
	pemBytes, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return "", err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.keys[fp] = pub
	ts.info[fp] = TrustedKey{Fingerprint: fp, PublicKey: string(pemBytes)}
	return fp, nil
}

// Lookup implements TrustedKeys
func (ts *TrustStore) Lookup(fingerprint string) (*rsa.PublicKey, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	pub, ok := ts.keys[fingerprint]
	return pub, ok
}

// Keys returns the trusted keys sorted by fingerprint.
func (ts *TrustStore) Keys() []TrustedKey {
	ts.mu.RLock()
	out := make([]TrustedKey, 0, len(ts.info))
	for _, k := range ts.info {
		out = append(out, k)
	}
	ts.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Len returns the number of trusted keys.
func (ts *TrustStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.keys)
}
