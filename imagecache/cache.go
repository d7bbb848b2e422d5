// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package imagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/drover-works/drover/lib/clock"
	"github.com/drover-works/drover/lib/schema"
	"github.com/drover-works/drover/lib/store"
)

// Builder is the slice of the container runtime the cache needs.
// *runtime.Runtime satisfies it.
type Builder interface {
	Build(ctx context.Context, tag, contextDir string, lines chan<- string) error
	ImageSize(ctx context.Context, reference string) int64
}

// Cache resolves dependency sets to image references, building and
// recording images on miss.
type Cache struct {
	store   store.ImageStore
	builder Builder
	clock   clock.Clock
	logger  *slog.Logger

	// scratchDir holds transient build contexts. Empty means the
	// system temp dir.
	scratchDir string
}

// New builds a Cache.
func New(imageStore store.ImageStore, builder Builder, clk clock.Clock, logger *slog.Logger, scratchDir string) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{
		store:      imageStore,
		builder:    builder,
		clock:      clk,
		logger:     logger,
		scratchDir: scratchDir,
	}
}

// Result is the outcome of EnsureImage.
type Result struct {
	// Reference is the image the step should run on: the cached or
	// freshly built image, or the base image after a build failure.
	Reference string

	// Fingerprint is the dependency set's content hash.
	Fingerprint string

	// Cached is true when an existing completed entry was reused.
	Cached bool

	// BuildFailed is true when the build was attempted and failed;
	// Reference then holds the base image fallback.
	BuildFailed bool

	// BuildError is the failure reason when BuildFailed.
	BuildError string
}

// EnsureImage resolves a dependency set to a runnable image.
// fallbackBase is used when the set does not name its own base image.
//
// A completed cache entry is a hit: its hit counter is bumped and its
// reference returned. Anything else (miss, or a previous failed or
// in-flight entry) triggers a build. Concurrent builds of the same
// fingerprint are allowed and resolve last-writer-wins at the store;
// both produce the same image content.
//
// Build failure is not an error: the step falls back to the base
// image, and the failed entry is recorded with its build log.
func (c *Cache) EnsureImage(ctx context.Context, set *schema.DependencySet, fallbackBase string) (*Result, error) {
	baseImage := set.BaseImage
	if baseImage == "" {
		baseImage = fallbackBase
	}
	if baseImage == "" {
		return nil, errors.New("imagecache: no base image for dependency set")
	}

	fingerprint := Fingerprint(set, baseImage)
	result := &Result{Fingerprint: fingerprint}

	entry, err := c.store.GetImageByFingerprint(ctx, fingerprint)
	switch {
	case err == nil && entry.Status == schema.BuildCompleted:
		if err := c.store.TouchImage(ctx, fingerprint, c.clock.Now()); err != nil {
			c.logger.Warn("image cache hit not recorded", "fingerprint", fingerprint, "error", err)
		}
		c.logger.Debug("image cache hit", "fingerprint", fingerprint, "reference", entry.Reference)
		result.Reference = entry.Reference
		result.Cached = true
		return result, nil

	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("imagecache: looking up %s: %w", fingerprint, err)
	}

	// The entry tracks the build lifecycle as it progresses, so a miss
	// is visible as pending, then building, before it settles into
	// completed or failed. Each transition is persisted.
	now := c.clock.Now()
	entry = &schema.ImageCacheEntry{
		ID:           uuid.NewString(),
		Fingerprint:  fingerprint,
		BaseImage:    baseImage,
		Dependencies: FlattenDependencies(set),
		Status:       schema.BuildPending,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
	if err := c.store.PutImage(ctx, entry); err != nil {
		return nil, fmt.Errorf("imagecache: recording pending build %s: %w", fingerprint, err)
	}

	entry.Status = schema.BuildBuilding
	if err := c.store.PutImage(ctx, entry); err != nil {
		c.logger.Warn("building status not recorded", "fingerprint", fingerprint, "error", err)
	}

	reference, buildLog, buildErr := c.build(ctx, set, baseImage, fingerprint)
	entry.BuildLog = append(entry.BuildLog, buildLog...)

	if buildErr != nil {
		entry.Status = schema.BuildFailed
		entry.Reference = ""
		entry.BuildLog = append(entry.BuildLog, "build failed: "+buildErr.Error())
		if err := c.store.PutImage(ctx, entry); err != nil {
			c.logger.Warn("failed cache entry not recorded", "fingerprint", fingerprint, "error", err)
		}
		c.logger.Warn("image build failed, falling back to base image",
			"fingerprint", fingerprint,
			"base_image", baseImage,
			"error", buildErr,
		)
		result.Reference = baseImage
		result.BuildFailed = true
		result.BuildError = buildErr.Error()
		return result, nil
	}

	entry.Status = schema.BuildCompleted
	entry.Reference = reference
	entry.SizeBytes = c.builder.ImageSize(ctx, reference)
	if err := c.store.PutImage(ctx, entry); err != nil {
		return nil, fmt.Errorf("imagecache: recording %s: %w", fingerprint, err)
	}

	c.logger.Info("image built and cached",
		"fingerprint", fingerprint,
		"reference", reference,
		"size_bytes", entry.SizeBytes,
	)
	result.Reference = reference
	return result, nil
}

// build renders the build context, runs the engine build, and
// collects the build log.
func (c *Cache) build(ctx context.Context, set *schema.DependencySet, baseImage, fingerprint string) (reference string, buildLog []string, err error) {
	reference = "drover-cache:" + fingerprint[:12]

	contextDir, err := WriteBuildContext(c.scratchDir, set, baseImage)
	if err != nil {
		return "", nil, err
	}
	defer os.RemoveAll(contextDir)

	lines := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		for line := range lines {
			buildLog = append(buildLog, line)
		}
		close(done)
	}()

	err = c.builder.Build(ctx, reference, contextDir, lines)
	<-done

	if err != nil {
		return "", buildLog, err
	}
	return reference, buildLog, nil
}

// Lookup returns the cache entry for a dependency set without
// building, or store.ErrNotFound.
func (c *Cache) Lookup(ctx context.Context, set *schema.DependencySet, fallbackBase string) (*schema.ImageCacheEntry, error) {
	baseImage := set.BaseImage
	if baseImage == "" {
		baseImage = fallbackBase
	}
	return c.store.GetImageByFingerprint(ctx, Fingerprint(set, baseImage))
}

// InvalidateByBaseImage removes every cache entry built on baseImage,
// forcing rebuilds after the base is updated. Returns how many
// entries were removed.
func (c *Cache) InvalidateByBaseImage(ctx context.Context, baseImage string) (int, error) {
	deleted, err := c.store.DeleteImagesByBase(ctx, baseImage)
	if err != nil {
		return 0, fmt.Errorf("imagecache: invalidating %s: %w", baseImage, err)
	}
	if deleted > 0 {
		c.logger.Info("image cache invalidated", "base_image", baseImage, "entries", deleted)
	}
	return deleted, nil
}

// Entries lists all cache entries, most recently used first.
func (c *Cache) Entries(ctx context.Context) ([]*schema.ImageCacheEntry, error) {
	return c.store.ListImages(ctx)
}
