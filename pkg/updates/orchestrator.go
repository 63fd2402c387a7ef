package updates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whaletrack-dev/api/pkg/logging"
	"github.com/whaletrack-dev/api/pkg/ratelimit"
	"github.com/whaletrack-dev/api/pkg/runs"
	"go.uber.org/zap"
)

// Options controls one GetCurrent call
type Options struct {
	// ForceFullRefresh asks for a registry comparison on top of the
	// container listing. Only explicit user or scheduler pulls set this.
	ForceFullRefresh bool
	// Scope limits the refresh to one environment. Empty means all.
	Scope string
}

// Orchestrator decides, per read request, the minimum necessary work:
// serve from cache, refresh the container listing only, or perform a full
// registry comparison through the rate gate.
type Orchestrator struct {
	store      *Store
	containers ContainerSource
	registry   RegistryChecker
	gate       *ratelimit.Gate
	ledger     runs.Ledger

	minSpacing time.Duration
	fanout     int
	now        func() time.Time
}

// NewOrchestrator wires the orchestrator with its collaborators
func NewOrchestrator(
	store *Store,
	containers ContainerSource,
	registry RegistryChecker,
	gate *ratelimit.Gate,
	ledger runs.Ledger,
	minSpacing time.Duration,
	fanout int,
) *Orchestrator {
	if fanout <= 0 {
		fanout = 1
	}
	return &Orchestrator{
		store:      store,
		containers: containers,
		registry:   registry,
		gate:       gate,
		ledger:     ledger,
		minSpacing: minSpacing,
		fanout:     fanout,
		now:        time.Now,
	}
}

// GetCurrent returns the current tracked-container view.
//
// Ordinary reads (ForceFullRefresh false) never touch the registry: they
// serve the cache when present, falling back to a container-listing
// refresh on a miss or when the cached entry predates the topology flags.
// Full refreshes fail fast with ErrRateLimitExceeded while the breaker is
// open, before any side effect.
func (o *Orchestrator) GetCurrent(ctx context.Context, opts Options) (*Entry, error) {
	if !opts.ForceFullRefresh {
		entry, err := o.store.Get(ctx, DefaultKey)
		if err == nil {
			if !entry.NeedsBackfill() {
				return entry, nil
			}
			logging.Logger.Info("Cached entry predates current schema, backfilling topology",
				zap.Int("cached_version", entry.SchemaVersion))
			// The backfill must reach every cached environment, not just the
			// requested scope, or out-of-scope items would keep serving
			// without their topology flags
			return o.containerRefresh(ctx, "")
		} else if !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		return o.containerRefresh(ctx, opts.Scope)
	}

	return o.fullRefresh(ctx, opts.Scope)
}

// containerRefresh performs the cheap path: list containers and merge the
// result, preserving registry-derived state for everything else. A listing
// failure degrades to the last cached view when one exists.
func (o *Orchestrator) containerRefresh(ctx context.Context, scope string) (*Entry, error) {
	snapshot, err := o.containers.ListCurrent(ctx, scope)
	if err != nil {
		if cached, getErr := o.store.Get(ctx, DefaultKey); getErr == nil {
			logging.Logger.Warn("Container listing failed, serving cached view",
				zap.String("scope", scope),
				zap.Error(err))
			return cached, nil
		}
		return nil, fmt.Errorf("%w: container listing failed: %v", ErrSourceUnavailable, err)
	}

	now := o.now()
	return o.store.Merge(ctx, DefaultKey, snapshot, MetadataPatch{
		LastContainerRefresh: &now,
	})
}

func (o *Orchestrator) fullRefresh(ctx context.Context, scope string) (*Entry, error) {
	// Fail fast before any side effect: no run record, no cache mutation,
	// not even the container listing
	if o.gate.IsOpen() {
		return nil, fmt.Errorf("%w: breaker open", ErrRateLimitExceeded)
	}

	runID, err := o.ledger.CreateRun(ctx, runs.JobTypeUpdateCheck)
	if err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	entry, outcome, err := o.runFullRefresh(ctx, scope)
	if completeErr := o.ledger.CompleteRun(ctx, runID, outcome); completeErr != nil {
		logging.Logger.Error("Failed to record run outcome",
			zap.String("run_id", runID),
			zap.Error(completeErr))
	}
	return entry, err
}

func (o *Orchestrator) runFullRefresh(ctx context.Context, scope string) (*Entry, runs.Outcome, error) {
	snapshot, err := o.containers.ListCurrent(ctx, scope)
	if err != nil {
		outcome := runs.Outcome{Status: runs.StatusFailed, ErrorMessage: err.Error()}
		if cached, getErr := o.store.Get(ctx, DefaultKey); getErr == nil {
			logging.Logger.Warn("Container listing failed during full refresh, serving cached view",
				zap.Error(err))
			return cached, outcome, nil
		}
		return nil, outcome, fmt.Errorf("%w: container listing failed: %v", ErrSourceUnavailable, err)
	}

	// Prior entry backs failed items so their cached update state survives
	// a Replace
	prior, _ := o.store.Get(ctx, DefaultKey)

	checked, updated, failed := o.checkAll(ctx, snapshot.Containers)
	snapshot.Containers = checked

	if prior != nil {
		backfillFailed(snapshot.Containers, prior.Snapshot.Containers, failed)
	}

	now := o.now()
	var entry *Entry
	if scope != "" {
		entry, err = o.store.Merge(ctx, DefaultKey, snapshot, MetadataPatch{
			LastContainerRefresh: &now,
			LastRegistryRefresh:  &now,
		})
	} else {
		entry, err = o.store.Replace(ctx, DefaultKey, snapshot, Metadata{
			LastContainerRefresh: now,
			LastRegistryRefresh:  &now,
		})
	}
	if err != nil {
		return nil, runs.Outcome{Status: runs.StatusFailed, ErrorMessage: err.Error()}, err
	}

	outcome := runs.Outcome{
		Status:       runs.StatusCompleted,
		ItemsChecked: len(checked),
		ItemsUpdated: updated,
	}
	if len(failed) > 0 {
		outcome.ErrorMessage = fmt.Sprintf("%d of %d checks failed", len(failed), len(checked))
	}
	return entry, outcome, nil
}

// checkAll runs the registry comparison for every container, concurrently
// up to the fanout limit, each call individually spaced by the gate. One
// item's failure never aborts the batch.
func (o *Orchestrator) checkAll(ctx context.Context, containers []Container) ([]Container, int, map[string]bool) {
	out := make([]Container, len(containers))
	copy(out, containers)

	failed := make(map[string]bool)

	type result struct {
		res      CheckResult
		err      error
		skipped  bool
		notFound bool
	}
	results := make([]result, len(containers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanout)

	for i := range out {
		idx := i
		g.Go(func() error {
			// The breaker may trip mid-batch; skip remaining checks and
			// preserve those items' prior state
			if o.gate.IsOpen() {
				results[idx] = result{skipped: true}
				return nil
			}
			if err := o.gate.Acquire(gctx, o.minSpacing); err != nil {
				results[idx] = result{err: err}
				return nil
			}

			res, err := o.registry.CheckUpdate(gctx, out[idx])
			if err != nil {
				o.gate.RecordFailure(o.registry.IsRateLimitError(err))
				results[idx] = result{err: err}
				return nil
			}

			o.gate.RecordSuccess()
			results[idx] = result{res: res, notFound: res.NotFound}
			return nil
		})
	}
	_ = g.Wait()

	updated := 0
	for i, r := range results {
		switch {
		case r.skipped || r.err != nil:
			failed[out[i].ID] = true
			if r.err != nil {
				logging.Logger.Warn("Update check failed",
					zap.String("container", out[i].Name),
					zap.String("image", out[i].Image),
					zap.Error(r.err))
			}
		case r.notFound:
			// Conclusive: the registry does not know this image, so clear
			// any previously cached update state. An empty neutral value
			// would be re-inherited on merge, hence the marker.
			out[i].LatestDigest = out[i].LocalDigest
			out[i].LatestTag = tagOf(out[i].Image)
			if out[i].LatestDigest == "" {
				out[i].LatestDigest = Cleared
			}
			if out[i].LatestTag == "" {
				out[i].LatestTag = Cleared
			}
		default:
			out[i].LatestDigest = r.res.LatestDigest
			out[i].LatestTag = r.res.LatestTag
			if out[i].UpdateAvailable() {
				updated++
			}
		}
	}

	return out, updated, failed
}

// backfillFailed restores prior registry-derived fields on items whose
// check failed, so a Replace cannot drop them
func backfillFailed(current, prior []Container, failed map[string]bool) {
	if len(failed) == 0 {
		return
	}
	priorByID := make(map[string]Container, len(prior))
	for _, c := range prior {
		priorByID[c.ID] = c
	}
	for i := range current {
		if !failed[current[i].ID] {
			continue
		}
		if old, ok := priorByID[current[i].ID]; ok {
			current[i].LatestDigest = old.LatestDigest
			current[i].LatestTag = old.LatestTag
		}
	}
}
