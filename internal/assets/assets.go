// Package assets acquires the boot images every instance shares: the kernel
// and the base rootfs. Images are fetched over HTTP when a URL is configured,
// verified against a sha256 digest, and recorded in a catalog so unchanged
// files are not re-hashed on every start.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/firelab-io/firelab/internal/boltstore"
	"github.com/firelab-io/firelab/internal/config"
	"github.com/firelab-io/firelab/internal/paths"
)

// Asset names double as catalog keys and on-disk file names.
const (
	kernelAsset = "vmlinux"
	rootfsAsset = "rootfs.ext4"
)

const catalogBucket = "assets"

// CatalogEntry records a verified image so later runs can skip re-hashing a
// file whose size and mtime have not changed.
type CatalogEntry struct {
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Store resolves and verifies boot images under the configured asset
// directory. Instances only ever read these files; per-instance writable
// copies are made at launch time.
type Store struct {
	assets   config.AssetsConfig
	pathsCfg config.PathsConfig
	catalog  boltstore.Store[CatalogEntry]
	client   *http.Client
}

// NewStore opens the asset catalog under the configured asset directory.
// The caller must Close the store when done.
func NewStore(cfg *config.Config) (*Store, error) {
	catalog, err := boltstore.NewBoltStore[CatalogEntry](paths.CatalogDBPath(cfg.Paths), catalogBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset catalog: %w", err)
	}

	return &Store{
		assets:   cfg.Assets,
		pathsCfg: cfg.Paths,
		catalog:  catalog,
		client:   &http.Client{Timeout: cfg.Timeouts.GetAssetFetch()},
	}, nil
}

// Close releases the catalog database.
func (s *Store) Close() error {
	return s.catalog.Close()
}

type assetSpec struct {
	name   string
	path   string
	url    string
	digest string // hex sha256; empty means a hand-placed file is trusted as-is
}

// Ensure makes the kernel and base rootfs present and verified. An existing
// file with a matching catalog entry is trusted without re-hashing; anything
// else is hashed, and a missing file is downloaded when a URL is configured.
func (s *Store) Ensure(ctx context.Context) error {
	specs := []assetSpec{
		{name: kernelAsset, path: paths.KernelPath(s.pathsCfg), url: s.assets.KernelURL, digest: s.assets.KernelSHA256},
		{name: rootfsAsset, path: paths.BaseRootfsPath(s.pathsCfg), url: s.assets.RootfsURL, digest: s.assets.RootfsSHA256},
	}

	for _, spec := range specs {
		if err := s.ensure(ctx, spec); err != nil {
			return fmt.Errorf("failed to ensure asset %s: %w", spec.name, err)
		}
	}
	return nil
}

func (s *Store) ensure(ctx context.Context, spec assetSpec) error {
	fi, err := os.Stat(spec.path)
	switch {
	case err == nil:
		return s.verifyExisting(ctx, spec, fi)
	case os.IsNotExist(err):
		if spec.url == "" {
			return fmt.Errorf("image missing at %s and no download URL configured", spec.path)
		}
		return s.fetch(ctx, spec)
	default:
		return fmt.Errorf("failed to stat %s: %w", spec.path, err)
	}
}

// verifyExisting validates a file already on disk. The catalog short-circuits
// the hash when size and mtime are unchanged since the last verification.
func (s *Store) verifyExisting(ctx context.Context, spec assetSpec, fi os.FileInfo) error {
	entry, err := s.catalog.Get(ctx, spec.name)
	switch {
	case err == nil:
		if entry.Size == fi.Size() && entry.ModTime.Equal(fi.ModTime()) &&
			(spec.digest == "" || strings.EqualFold(entry.Digest, spec.digest)) {
			log.G(ctx).WithFields(log.Fields{
				"asset":  spec.name,
				"digest": entry.Digest,
			}).Debug("asset already verified")
			return nil
		}
	case !errors.Is(err, boltstore.ErrNotFound):
		return fmt.Errorf("failed to read asset catalog: %w", err)
	}

	digest, err := hashFile(spec.path)
	if err != nil {
		return err
	}
	if spec.digest != "" && !strings.EqualFold(digest, spec.digest) {
		return fmt.Errorf("digest mismatch for %s: have %s, want %s", spec.path, digest, spec.digest)
	}

	log.G(ctx).WithFields(log.Fields{
		"asset":  spec.name,
		"digest": digest,
	}).Debug("asset verified")
	return s.record(ctx, spec.name, spec.path, digest)
}

// fetch downloads an image to a temp file in the asset directory, verifies
// its digest, and renames it into place so a half-written download is never
// visible at the final path.
func (s *Store) fetch(ctx context.Context, spec assetSpec) error {
	if spec.digest == "" {
		return fmt.Errorf("refusing to download %s without a configured sha256", spec.url)
	}

	log.G(ctx).WithFields(log.Fields{
		"asset": spec.name,
		"url":   spec.url,
	}).Info("downloading asset")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", spec.url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", spec.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: %s", spec.url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(spec.path), 0750); err != nil {
		return fmt.Errorf("failed to create asset dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(spec.path), "."+spec.name+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(digest, spec.digest) {
		return fmt.Errorf("digest mismatch for %s: have %s, want %s", spec.url, digest, spec.digest)
	}

	if err := os.Rename(tmpPath, spec.path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", spec.name, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"asset":  spec.name,
		"digest": digest,
		"path":   spec.path,
	}).Info("asset downloaded")
	return s.record(ctx, spec.name, spec.path, digest)
}

func (s *Store) record(ctx context.Context, name, path, digest string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	entry := CatalogEntry{
		Digest:     digest,
		Size:       fi.Size(),
		ModTime:    fi.ModTime(),
		VerifiedAt: time.Now().UTC(),
	}
	if err := s.catalog.Set(ctx, name, &entry); err != nil {
		return fmt.Errorf("failed to update asset catalog: %w", err)
	}
	return nil
}

// hashFile computes the hex sha256 of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
