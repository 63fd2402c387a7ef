package updates

import "time"

// SchemaVersion is the current cache entry schema. Version 2 added the
// topology flags needed for safe upgrade ordering; entries written by
// version 1 are missing them and must be backfilled from the container
// source before being served.
const SchemaVersion = 2

// DefaultKey is the cache key for the tracked container collection
const DefaultKey = "containers"

// Cleared marks a registry-derived field whose cached value must be
// dropped on merge instead of inherited, used when the registry
// conclusively reported the image missing and no neutral local value
// exists. The store normalizes it to empty before persisting.
const Cleared = "<cleared>"

// Container is one tracked container as last observed.
//
// LatestDigest and LatestTag come from the registry (expensive source) and
// may be empty if the container has never been through a full refresh.
// Update availability is always derived from these fields at read time via
// UpdateAvailable; it is deliberately not a stored boolean.
type Container struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Environment string `json:"environment"`
	Image       string `json:"image"`
	Stack       string `json:"stack,omitempty"`

	// Topology flags required for safe upgrade ordering
	ProvidesNetwork bool `json:"provides_network"`
	UsesNetworkMode bool `json:"uses_network_mode"`

	// Digest of the locally running image, from the container engine
	LocalDigest string `json:"local_digest,omitempty"`

	// Registry-derived fields, empty until a full refresh has seen this item
	LatestDigest string `json:"latest_digest,omitempty"`
	LatestTag    string `json:"latest_tag,omitempty"`
}

// UpdateAvailable derives whether a newer image is known for this
// container. Computed on every read from the freshest digest/tag fields.
func (c Container) UpdateAvailable() bool {
	if c.LatestDigest != "" && c.LocalDigest != "" && c.LatestDigest != c.LocalDigest {
		return true
	}
	if c.LatestTag != "" && c.LatestTag != tagOf(c.Image) {
		return true
	}
	return false
}

func tagOf(image string) string {
	for i := len(image) - 1; i >= 0; i-- {
		switch image[i] {
		case ':':
			return image[i+1:]
		case '/':
			return ""
		}
	}
	return ""
}

// Stack groups containers that belong to one compose project within an
// environment
type Stack struct {
	Name        string   `json:"name"`
	Environment string   `json:"environment"`
	Containers  []string `json:"containers"`
}

// Snapshot is the payload of a cache entry: the tracked containers, their
// stack grouping, and the per-environment count of unused images.
type Snapshot struct {
	Containers []Container `json:"containers"`
	Stacks     []Stack     `json:"stacks"`
	// UnusedImages counts images not referenced by any container, per
	// environment
	UnusedImages map[string]int `json:"unused_images,omitempty"`
	// Environments lists the environments this snapshot covers. A scoped
	// refresh produces a snapshot covering only the refreshed environment;
	// Merge uses this to know which prior items are out of its scope.
	Environments []string `json:"environments,omitempty"`
}

// Metadata records when each kind of refresh last ran
type Metadata struct {
	LastContainerRefresh time.Time  `json:"last_container_refresh"`
	LastRegistryRefresh  *time.Time `json:"last_registry_refresh,omitempty"`
}

// MetadataPatch is a partial metadata update; nil fields are left untouched
type MetadataPatch struct {
	LastContainerRefresh *time.Time
	LastRegistryRefresh  *time.Time
}

// Entry is a cache entry: payload plus refresh metadata and the schema
// version it was written with
type Entry struct {
	Key           string   `json:"key"`
	Snapshot      Snapshot `json:"snapshot"`
	Metadata      Metadata `json:"metadata"`
	SchemaVersion int      `json:"schema_version"`
}

// NeedsBackfill reports whether this entry was written by a schema version
// that lacked the topology flags
func (e *Entry) NeedsBackfill() bool {
	return e.SchemaVersion < SchemaVersion
}

func (s Snapshot) covers(environment string) bool {
	for _, env := range s.Environments {
		if env == environment {
			return true
		}
	}
	return false
}

// coversAllOf reports whether s covers every environment the prior snapshot
// has items or coverage in
func (s Snapshot) coversAllOf(prior Snapshot) bool {
	for _, env := range prior.Environments {
		if !s.covers(env) {
			return false
		}
	}
	for _, c := range prior.Containers {
		if !s.covers(c.Environment) {
			return false
		}
	}
	return true
}
