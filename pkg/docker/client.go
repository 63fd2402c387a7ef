package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/whaletrack-dev/api/pkg/logging"
	"github.com/whaletrack-dev/api/pkg/updates"
	"go.uber.org/zap"
)

// composeProjectLabel carries the stack name on compose-managed containers
const composeProjectLabel = "com.docker.compose.project"

// connectTimeout bounds the initial daemon connection attempts
const connectTimeout = 30 * time.Second

// Client wraps one Docker environment's engine API
type Client struct {
	name string
	api  client.APIClient
}

// Connect creates a client for one environment, retrying the initial
// daemon ping with exponential backoff. An empty host uses the SDK's
// environment defaults.
func Connect(ctx context.Context, name, host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := backoff.Retry(ctx, func() (client.APIClient, error) {
		c, err := client.NewClientWithOpts(opts...)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if _, err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(connectTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker environment %q: %w", name, err)
	}

	logging.Logger.Info("Connected to docker environment",
		zap.String("environment", name),
		zap.String("host", host))

	return &Client{name: name, api: api}, nil
}

// NewClientWithAPI wraps an existing API client, used by tests
func NewClientWithAPI(name string, api client.APIClient) *Client {
	return &Client{name: name, api: api}
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.api.Close()
}

// snapshot lists this environment's containers with identity, topology and
// stack grouping, plus the unused image count
func (c *Client) snapshot(ctx context.Context) (updates.Snapshot, error) {
	summaries, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return updates.Snapshot{}, fmt.Errorf("container listing in %q: %w", c.name, err)
	}

	containers := make([]updates.Container, 0, len(summaries))
	usedImages := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		containers = append(containers, updates.Container{
			ID:              s.ID,
			Name:            containerName(s.Names),
			Environment:     c.name,
			Image:           s.Image,
			Stack:           s.Labels[composeProjectLabel],
			UsesNetworkMode: usesContainerNetwork(s.HostConfig.NetworkMode),
			LocalDigest:     c.localDigest(ctx, s.ImageID),
		})
		usedImages[s.ImageID] = true
	}

	markNetworkProviders(containers, summaries)

	unused, err := c.countUnusedImages(ctx, usedImages)
	if err != nil {
		// Not worth failing the listing over; the count is informational
		logging.Logger.Warn("Failed to count unused images",
			zap.String("environment", c.name),
			zap.Error(err))
	}

	return updates.Snapshot{
		Containers:   containers,
		Stacks:       groupStacks(c.name, containers),
		UnusedImages: map[string]int{c.name: unused},
		Environments: []string{c.name},
	}, nil
}

// localDigest resolves the repo digest of the image a container runs
func (c *Client) localDigest(ctx context.Context, imageID string) string {
	if imageID == "" {
		return ""
	}
	info, _, err := c.api.ImageInspectWithRaw(ctx, imageID)
	if err != nil {
		logging.Logger.Debug("Image inspect failed",
			zap.String("environment", c.name),
			zap.String("image_id", imageID),
			zap.Error(err))
		return ""
	}
	return digestFromRepoDigests(info.RepoDigests)
}

func (c *Client) countUnusedImages(ctx context.Context, used map[string]bool) (int, error) {
	images, err := c.api.ImageList(ctx, imagetypes.ListOptions{})
	if err != nil {
		return 0, err
	}
	unused := 0
	for _, img := range images {
		if !used[img.ID] {
			unused++
		}
	}
	return unused, nil
}

// containerName strips the leading slash the engine puts on names
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// usesContainerNetwork reports whether a network mode joins another
// container's namespace
func usesContainerNetwork(mode string) bool {
	return strings.HasPrefix(mode, "container:")
}

// markNetworkProviders flags containers whose network namespace other
// containers join; those must be upgraded last
func markNetworkProviders(containers []updates.Container, summaries []container.Summary) {
	providers := make(map[string]bool)
	for _, s := range summaries {
		if target, ok := strings.CutPrefix(s.HostConfig.NetworkMode, "container:"); ok {
			providers[target] = true
		}
	}
	if len(providers) == 0 {
		return
	}
	for i := range containers {
		if providers[containers[i].ID] || providers[containers[i].Name] {
			containers[i].ProvidesNetwork = true
		}
	}
}

// groupStacks builds the stack grouping from compose project labels
func groupStacks(environment string, containers []updates.Container) []updates.Stack {
	byName := make(map[string][]string)
	var order []string
	for _, c := range containers {
		if c.Stack == "" {
			continue
		}
		if _, ok := byName[c.Stack]; !ok {
			order = append(order, c.Stack)
		}
		byName[c.Stack] = append(byName[c.Stack], c.Name)
	}

	stacks := make([]updates.Stack, 0, len(order))
	for _, name := range order {
		stacks = append(stacks, updates.Stack{
			Name:        name,
			Environment: environment,
			Containers:  byName[name],
		})
	}
	return stacks
}

// digestFromRepoDigests extracts the digest from entries like
// "nginx@sha256:abc..."
func digestFromRepoDigests(repoDigests []string) string {
	for _, rd := range repoDigests {
		if idx := strings.LastIndex(rd, "@"); idx != -1 {
			return rd[idx+1:]
		}
	}
	return ""
}
