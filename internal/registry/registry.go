// Package registry reconciles packaged workflow manifests dropped into a
// storage directory: signed JSON describing a workflow's name, version, and
// task names, verified on load so only manifests produced by a trusted
// publisher are picked up. It tracks which manifests are currently present
// so the admin surface can report what a deployment believes it can run;
// it does not load task bodies, which Go cannot do dynamically without a
// plugin toolchain of its own.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Manifest describes one packaged workflow version.
type Manifest struct {
	WorkflowName string   `json:"workflow_name"`
	Version      string   `json:"version"`
	TaskNames    []string `json:"task_names"`
}

type manifestClaims struct {
	Manifest
	jwt.RegisteredClaims
}

// Sign produces a compact JWS: the manifest fields as claims, signed with
// HS256 over secret. A host's package-publishing step calls this to produce
// the file a Reconciler later verifies.
func Sign(m Manifest, secret []byte) (string, error) {
	claims := manifestClaims{
		Manifest: m,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign manifest: %w", err)
	}
	return signed, nil
}

// Verify parses and checks a manifest token's signature, returning the
// embedded Manifest.
func Verify(token string, secret []byte) (Manifest, error) {
	var claims manifestClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("verify manifest: %w", err)
	}
	return claims.Manifest, nil
}

// Reconciler polls storagePath for `*.manifest` files, verifies each, and
// keeps an in-memory view of the currently valid set — dropping any
// manifest whose backing file has since been removed.
type Reconciler struct {
	storagePath string
	secret      []byte
	logger      *slog.Logger
	interval    time.Duration

	mu     sync.RWMutex
	loaded map[string]Manifest // filename -> manifest
}

func New(storagePath string, secret []byte, logger *slog.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{
		storagePath: storagePath,
		secret:      secret,
		logger:      logger.With("component", "registry_reconciler"),
		interval:    interval,
		loaded:      make(map[string]Manifest),
	}
}

// Run polls on interval until ctx is cancelled, mirroring every other
// background service's ticker-driven loop.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("registry reconciler started", "storage_path", r.storagePath, "interval", r.interval)
	r.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry reconciler shut down")
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) reconcile(_ context.Context) {
	entries, err := os.ReadDir(r.storagePath)
	if err != nil {
		r.logger.Error("read registry storage path", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".manifest" {
			continue
		}
		seen[entry.Name()] = struct{}{}

		r.mu.RLock()
		_, alreadyLoaded := r.loaded[entry.Name()]
		r.mu.RUnlock()
		if alreadyLoaded {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(r.storagePath, entry.Name()))
		if err != nil {
			r.logger.Error("read manifest file", "file", entry.Name(), "error", err)
			continue
		}
		manifest, err := Verify(string(raw), r.secret)
		if err != nil {
			r.logger.Error("verify manifest", "file", entry.Name(), "error", err)
			continue
		}

		r.mu.Lock()
		r.loaded[entry.Name()] = manifest
		r.mu.Unlock()
		r.logger.Info("registry package loaded", "file", entry.Name(), "workflow_name", manifest.WorkflowName, "version", manifest.Version)
	}

	r.mu.Lock()
	for filename := range r.loaded {
		if _, ok := seen[filename]; !ok {
			r.logger.Info("registry package unloaded", "file", filename)
			delete(r.loaded, filename)
		}
	}
	r.mu.Unlock()
}

// Loaded returns every currently valid manifest, in no particular order.
func (r *Reconciler) Loaded() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.loaded))
	for _, m := range r.loaded {
		out = append(out, m)
	}
	return out
}
