package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	containersdocker "github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/manifest"
	containertypes "github.com/containers/image/v5/types"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/whaletrack-dev/api/pkg/logging"
	"github.com/whaletrack-dev/api/pkg/updates"
	"go.uber.org/zap"
)

var (
	// ErrRateLimited marks a registry response that counted against a rate
	// limit (HTTP 429)
	ErrRateLimited = errors.New("registry rate limited")
	// errNotFound is internal; a missing image is reported through
	// CheckResult.NotFound, not as an error
	errNotFound = errors.New("image not found in registry")
)

// Checker resolves the latest digest and tag for container images. It
// prefers go-containerregistry HEAD requests and falls back to the
// containers/image docker transport when those fail for reasons other than
// rate limiting.
type Checker struct {
	systemContext *containertypes.SystemContext
	// listTags controls whether semver-tagged images also get a tag listing
	// to detect newer versions
	listTags bool
}

// NewChecker creates a registry checker with anonymous access
func NewChecker() *Checker {
	return &Checker{
		systemContext: &containertypes.SystemContext{
			DockerInsecureSkipTLSVerify: containertypes.OptionalBoolFalse,
		},
		listTags: true,
	}
}

// CheckUpdate compares one container's image against its registry
func (c *Checker) CheckUpdate(ctx context.Context, item updates.Container) (updates.CheckResult, error) {
	logging.Logger.Debug("Checking registry for image",
		zap.String("container", item.Name),
		zap.String("image", item.Image))

	digest, err := c.resolveDigest(ctx, item.Image)
	if err != nil {
		if errors.Is(err, errNotFound) {
			logging.Logger.Debug("Image not found in registry",
				zap.String("image", item.Image))
			return updates.CheckResult{NotFound: true}, nil
		}
		return updates.CheckResult{}, err
	}

	result := updates.CheckResult{
		LatestDigest: digest,
		LatestTag:    ExtractTag(item.Image),
	}

	// For semver tags, also look for a newer published version
	if c.listTags && IsSemverTag(item.Image) {
		if newer, ok := c.newerSemverTag(ctx, item.Image); ok {
			result.LatestTag = newer
		}
	}

	return result, nil
}

// IsRateLimitError classifies errors returned by CheckUpdate
func (c *Checker) IsRateLimitError(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// resolveDigest fetches the manifest digest currently published for the
// image reference
func (c *Checker) resolveDigest(ctx context.Context, imageURL string) (string, error) {
	ref, err := name.ParseReference(imageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %q: %w", imageURL, err)
	}

	desc, err := remote.Head(ref, remote.WithContext(ctx))
	if err == nil {
		return desc.Digest.String(), nil
	}

	if classified := classifyTransportError(err); classified != nil {
		return "", classified
	}

	logging.Logger.Debug("HEAD digest resolution failed, falling back to docker transport",
		zap.String("image", imageURL),
		zap.Error(err))
	return c.resolveDigestFallback(ctx, imageURL)
}

// resolveDigestFallback uses the containers/image docker transport, which
// copes with registries that reject HEAD requests
func (c *Checker) resolveDigestFallback(ctx context.Context, imageURL string) (string, error) {
	ref, err := containersdocker.ParseReference("//" + imageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %q: %w", imageURL, err)
	}

	source, err := ref.NewImageSource(ctx, c.systemContext)
	if err != nil {
		return "", errNotFound
	}
	defer source.Close()

	manifestBytes, _, err := source.GetManifest(ctx, nil)
	if err != nil {
		return "", errNotFound
	}

	dig, err := manifest.Digest(manifestBytes)
	if err != nil {
		return "", fmt.Errorf("failed to digest manifest for %q: %w", imageURL, err)
	}
	return dig.String(), nil
}

// newerSemverTag lists the repository's tags and returns the highest
// semver tag newer than the current one, if any
func (c *Checker) newerSemverTag(ctx context.Context, imageURL string) (string, bool) {
	ref, err := name.ParseReference(imageURL)
	if err != nil {
		return "", false
	}

	tags, err := remote.List(ref.Context(), remote.WithContext(ctx))
	if err != nil {
		logging.Logger.Debug("Tag listing failed",
			zap.String("image", imageURL),
			zap.Error(err))
		return "", false
	}

	return NewestSemverAfter(ExtractTag(imageURL), tags)
}

// classifyTransportError maps registry HTTP failures to this package's
// error taxonomy. Returns nil for errors worth retrying via the fallback
// transport.
func classifyTransportError(err error) error {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return nil
	}

	switch terr.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case http.StatusNotFound:
		return errNotFound
	}

	for _, diag := range terr.Errors {
		switch diag.Code {
		case transport.ManifestUnknownErrorCode, transport.NameUnknownErrorCode:
			return errNotFound
		case transport.TooManyRequestsErrorCode:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return nil
}
