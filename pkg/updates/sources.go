package updates

import "context"

// ContainerSource lists the containers that exist right now. This is the
// cheap data source: identity, topology and stack grouping only, no
// registry traffic.
type ContainerSource interface {
	// ListCurrent returns a snapshot scoped to one environment when scope
	// is non-empty, otherwise covering all known environments.
	ListCurrent(ctx context.Context, scope string) (Snapshot, error)
}

// CheckResult is the outcome of one registry comparison
type CheckResult struct {
	LatestDigest string
	LatestTag    string
	// NotFound means the registry conclusively does not know the image;
	// the item's cached update state must be cleared rather than preserved
	NotFound bool
}

// RegistryChecker compares one container's image against its registry.
// This is the expensive, rate-limited data source.
type RegistryChecker interface {
	CheckUpdate(ctx context.Context, c Container) (CheckResult, error)
	// IsRateLimitError classifies an error returned by CheckUpdate
	IsRateLimitError(err error) bool
}
