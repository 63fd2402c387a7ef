package updates

import (
	"time"

	"github.com/whaletrack-dev/api/pkg/runs"
	"github.com/whaletrack-dev/api/pkg/updates"
)

// CheckRequest represents a request to run a full update check
type CheckRequest struct {
	// Environment limits the check to one environment; empty checks all
	Environment string `json:"environment,omitempty" validate:"omitempty,max=128"`
}

// ContainerView is one tracked container as served to clients. The
// update_available field is derived at render time, never persisted.
type ContainerView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Environment     string `json:"environment"`
	Image           string `json:"image"`
	Stack           string `json:"stack,omitempty"`
	ProvidesNetwork bool   `json:"provides_network"`
	UsesNetworkMode bool   `json:"uses_network_mode"`
	LocalDigest     string `json:"local_digest,omitempty"`
	LatestDigest    string `json:"latest_digest,omitempty"`
	LatestTag       string `json:"latest_tag,omitempty"`
	UpdateAvailable bool   `json:"update_available"`
}

// UpdatesResponse is the tracked-container view plus refresh metadata
type UpdatesResponse struct {
	Containers   []ContainerView  `json:"containers"`
	Stacks       []updates.Stack  `json:"stacks"`
	UnusedImages map[string]int   `json:"unused_images,omitempty"`
	Metadata     updates.Metadata `json:"metadata"`
}

// ScheduleResponse reports the next scheduled update check
type ScheduleResponse struct {
	Enabled bool       `json:"enabled"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// RunsResponse lists recent update-check runs
type RunsResponse struct {
	Runs  []runs.RunRecord `json:"runs"`
	Total int              `json:"total"`
}

func toResponse(entry *updates.Entry) UpdatesResponse {
	views := make([]ContainerView, 0, len(entry.Snapshot.Containers))
	for _, c := range entry.Snapshot.Containers {
		views = append(views, ContainerView{
			ID:              c.ID,
			Name:            c.Name,
			Environment:     c.Environment,
			Image:           c.Image,
			Stack:           c.Stack,
			ProvidesNetwork: c.ProvidesNetwork,
			UsesNetworkMode: c.UsesNetworkMode,
			LocalDigest:     c.LocalDigest,
			LatestDigest:    c.LatestDigest,
			LatestTag:       c.LatestTag,
			UpdateAvailable: c.UpdateAvailable(),
		})
	}

	return UpdatesResponse{
		Containers:   views,
		Stacks:       entry.Snapshot.Stacks,
		UnusedImages: entry.Snapshot.UnusedImages,
		Metadata:     entry.Metadata,
	}
}
