package updates_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/whaletrack-dev/api/pkg/kv"
	"github.com/whaletrack-dev/api/pkg/ratelimit"
	"github.com/whaletrack-dev/api/pkg/runs"
	"github.com/whaletrack-dev/api/pkg/updates"
)

var errRegistryDown = errors.New("registry unreachable")
var errRateLimited = errors.New("too many requests")

// fakeSource implements the container source with canned snapshots per scope
type fakeSource struct {
	mu        sync.Mutex
	snapshots map[string]updates.Snapshot
	err       error
	calls     int
}

func (f *fakeSource) ListCurrent(ctx context.Context, scope string) (updates.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return updates.Snapshot{}, f.err
	}
	return f.snapshots[scope], nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeChecker implements the registry checker with canned results per
// container ID
type fakeChecker struct {
	mu      sync.Mutex
	results map[string]updates.CheckResult
	errs    map[string]error
	calls   int
}

func (f *fakeChecker) CheckUpdate(ctx context.Context, c updates.Container) (updates.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[c.ID]; ok {
		return updates.CheckResult{}, err
	}
	return f.results[c.ID], nil
}

func (f *fakeChecker) IsRateLimitError(err error) bool {
	return errors.Is(err, errRateLimited)
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx     context.Context
		backing *kv.MemoryStore
		store   *updates.Store
		source  *fakeSource
		checker *fakeChecker
		gate    *ratelimit.Gate
		ledger  *runs.StoreLedger
	)

	newOrchestrator := func() *updates.Orchestrator {
		return updates.NewOrchestrator(store, source, checker, gate, ledger, 0, 1)
	}

	BeforeEach(func() {
		ctx = context.Background()
		backing = kv.NewMemoryStore()
		store = updates.NewStore(backing)
		source = &fakeSource{snapshots: map[string]updates.Snapshot{}}
		checker = &fakeChecker{results: map[string]updates.CheckResult{}, errs: map[string]error{}}
		gate = ratelimit.New()
		ledger = runs.NewLedger(backing)
	})

	containerByID := func(entry *updates.Entry, id string) *updates.Container {
		for i := range entry.Snapshot.Containers {
			if entry.Snapshot.Containers[i].ID == id {
				return &entry.Snapshot.Containers[i]
			}
		}
		return nil
	}

	Describe("ordinary reads", func() {
		It("refreshes the container listing on a cache miss without registry traffic", func() {
			source.snapshots[""] = updates.Snapshot{
				Containers:   []updates.Container{{ID: "a", Name: "web", Environment: "prod", Image: "nginx:1.25"}},
				Environments: []string{"prod"},
			}

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(entry.Snapshot.Containers).To(HaveLen(1))
			Expect(source.callCount()).To(Equal(1))
			Expect(checker.callCount()).To(BeZero(), "ordinary reads must never call the registry")
		})

		It("serves the cache when present without calling any source", func() {
			_, err := store.Replace(ctx, updates.DefaultKey, updates.Snapshot{
				Containers:   []updates.Container{{ID: "a", Environment: "prod"}},
				Environments: []string{"prod"},
			}, updates.Metadata{LastContainerRefresh: time.Now()})
			Expect(err).ToNot(HaveOccurred())

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(entry.Snapshot.Containers).To(HaveLen(1))
			Expect(source.callCount()).To(BeZero())
			Expect(checker.callCount()).To(BeZero())
		})

		It("backfills entries written before the topology flags existed", func() {
			// An entry persisted by the previous schema, missing the flags
			old := updates.Entry{
				Key: updates.DefaultKey,
				Snapshot: updates.Snapshot{
					Containers: []updates.Container{
						{ID: "a", Environment: "prod", Image: "nginx:1.25", LatestDigest: "sha256:new", LocalDigest: "sha256:old"},
					},
					Environments: []string{"prod"},
				},
				SchemaVersion: 1,
			}
			data, err := json.Marshal(&old)
			Expect(err).ToNot(HaveOccurred())
			Expect(backing.Write(ctx, "cache:containers", data)).To(Succeed())

			source.snapshots[""] = updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "nginx:1.25", LocalDigest: "sha256:old", ProvidesNetwork: true},
				},
				Environments: []string{"prod"},
			}

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(source.callCount()).To(Equal(1))
			Expect(entry.SchemaVersion).To(Equal(updates.SchemaVersion))

			a := containerByID(entry, "a")
			Expect(a.ProvidesNetwork).To(BeTrue(), "topology flags backfilled")
			Expect(a.LatestDigest).To(Equal("sha256:new"), "registry state survives the backfill merge")
		})

		It("backfills every environment even when the triggering read is scoped", func() {
			// A stale-schema entry spanning two environments; the first read
			// after the upgrade happens to be scoped to one of them
			old := updates.Entry{
				Key: updates.DefaultKey,
				Snapshot: updates.Snapshot{
					Containers: []updates.Container{
						{ID: "a", Environment: "prod", Image: "nginx:1.25"},
						{ID: "b", Environment: "staging", Image: "redis:7.2"},
					},
					Environments: []string{"prod", "staging"},
				},
				SchemaVersion: 1,
			}
			data, err := json.Marshal(&old)
			Expect(err).ToNot(HaveOccurred())
			Expect(backing.Write(ctx, "cache:containers", data)).To(Succeed())

			source.snapshots[""] = updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "nginx:1.25"},
					{ID: "b", Environment: "staging", Image: "redis:7.2", ProvidesNetwork: true},
				},
				Environments: []string{"prod", "staging"},
			}

			orch := newOrchestrator()
			entry, err := orch.GetCurrent(ctx, updates.Options{Scope: "prod"})
			Expect(err).ToNot(HaveOccurred())
			Expect(source.callCount()).To(Equal(1))
			Expect(entry.SchemaVersion).To(Equal(updates.SchemaVersion))
			Expect(containerByID(entry, "b").ProvidesNetwork).To(BeTrue(),
				"out-of-scope environment backfilled too")

			// The next unscoped read trusts the entry; no further listing
			entry, err = orch.GetCurrent(ctx, updates.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(source.callCount()).To(Equal(1))
			Expect(containerByID(entry, "b").ProvidesNetwork).To(BeTrue())
		})

		It("degrades to the cached view when a backfill listing fails", func() {
			// Stale-schema entry forces a listing; the listing failing must
			// not lose the cached view
			old := updates.Entry{
				Key: updates.DefaultKey,
				Snapshot: updates.Snapshot{
					Containers:   []updates.Container{{ID: "a", Environment: "prod"}},
					Environments: []string{"prod"},
				},
				SchemaVersion: 1,
			}
			data, err := json.Marshal(&old)
			Expect(err).ToNot(HaveOccurred())
			Expect(backing.Write(ctx, "cache:containers", data)).To(Succeed())

			source.err = errors.New("daemon unreachable")

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(entry.Snapshot.Containers).To(HaveLen(1))
		})

		It("propagates when the listing fails and no cache exists", func() {
			source.err = errors.New("daemon unreachable")

			_, err := newOrchestrator().GetCurrent(ctx, updates.Options{})
			Expect(err).To(MatchError(updates.ErrSourceUnavailable))
		})
	})

	Describe("full refresh", func() {
		It("fails fast with no side effects while the breaker is open", func() {
			open := ratelimit.NewWithBreaker(1, time.Minute)
			open.RecordFailure(true)
			Expect(open.IsOpen()).To(BeTrue())

			orch := updates.NewOrchestrator(store, source, checker, open, ledger, 0, 1)
			_, err := orch.GetCurrent(ctx, updates.Options{ForceFullRefresh: true})
			Expect(err).To(MatchError(updates.ErrRateLimitExceeded))

			Expect(source.callCount()).To(BeZero(), "the cheap source must not be touched")
			Expect(checker.callCount()).To(BeZero())

			_, err = store.Get(ctx, updates.DefaultKey)
			Expect(err).To(MatchError(updates.ErrEntryNotFound), "no cache mutation")

			records, err := ledger.Recent(ctx, runs.JobTypeUpdateCheck)
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(BeEmpty(), "no run record")
		})

		It("checks every container and records a completed run", func() {
			source.snapshots[""] = updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "nginx:1.25", LocalDigest: "sha256:old"},
					{ID: "b", Environment: "prod", Image: "redis:7.2", LocalDigest: "sha256:same"},
				},
				Environments: []string{"prod"},
			}
			checker.results["a"] = updates.CheckResult{LatestDigest: "sha256:new", LatestTag: "1.25"}
			checker.results["b"] = updates.CheckResult{LatestDigest: "sha256:same", LatestTag: "7.2"}

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{ForceFullRefresh: true})
			Expect(err).ToNot(HaveOccurred())
			Expect(checker.callCount()).To(Equal(2))

			Expect(containerByID(entry, "a").UpdateAvailable()).To(BeTrue())
			Expect(containerByID(entry, "b").UpdateAvailable()).To(BeFalse())
			Expect(entry.Metadata.LastRegistryRefresh).ToNot(BeNil())

			records, err := ledger.Recent(ctx, runs.JobTypeUpdateCheck)
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(runs.StatusCompleted))
			Expect(records[0].ItemsChecked).To(Equal(2))
			Expect(records[0].ItemsUpdated).To(Equal(1))
			Expect(records[0].CompletedAt).ToNot(BeNil())
		})

		It("keeps other environments' update flags across a scoped refresh", func() {
			// A in prod has a known update; B in staging does too
			_, err := store.Replace(ctx, updates.DefaultKey, updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "nginx:1.25", LocalDigest: "sha256:a1", LatestDigest: "sha256:a2"},
					{ID: "b", Environment: "staging", Image: "redis:7.2", LocalDigest: "sha256:b1", LatestDigest: "sha256:b2"},
				},
				Environments: []string{"prod", "staging"},
			}, updates.Metadata{})
			Expect(err).ToNot(HaveOccurred())

			// Scoped refresh of staging finds B up to date now
			source.snapshots["staging"] = updates.Snapshot{
				Containers: []updates.Container{
					{ID: "b", Environment: "staging", Image: "redis:7.2", LocalDigest: "sha256:b1"},
				},
				Environments: []string{"staging"},
			}
			checker.results["b"] = updates.CheckResult{LatestDigest: "sha256:b1", LatestTag: "7.2"}

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{
				ForceFullRefresh: true,
				Scope:            "staging",
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(containerByID(entry, "a").UpdateAvailable()).To(BeTrue(), "untouched environment keeps its flag")
			Expect(containerByID(entry, "b").UpdateAvailable()).To(BeFalse())
		})

		It("isolates one item's failure and preserves its prior cached state", func() {
			_, err := store.Replace(ctx, updates.DefaultKey, updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "nginx:1.25", LocalDigest: "sha256:a1", LatestDigest: "sha256:a2"},
					{ID: "b", Environment: "prod", Image: "redis:7.2", LocalDigest: "sha256:b1"},
				},
				Environments: []string{"prod"},
			}, updates.Metadata{})
			Expect(err).ToNot(HaveOccurred())

			source.snapshots[""] = updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "nginx:1.25", LocalDigest: "sha256:a1"},
					{ID: "b", Environment: "prod", Image: "redis:7.2", LocalDigest: "sha256:b1"},
				},
				Environments: []string{"prod"},
			}
			checker.errs["a"] = errRegistryDown
			checker.results["b"] = updates.CheckResult{LatestDigest: "sha256:b2", LatestTag: "7.2"}

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{ForceFullRefresh: true})
			Expect(err).ToNot(HaveOccurred(), "one failed item must not fail the batch")

			Expect(containerByID(entry, "a").LatestDigest).To(Equal("sha256:a2"), "prior cached state preserved")
			Expect(containerByID(entry, "b").LatestDigest).To(Equal("sha256:b2"))

			records, err := ledger.Recent(ctx, runs.JobTypeUpdateCheck)
			Expect(err).ToNot(HaveOccurred())
			Expect(records[0].Status).To(Equal(runs.StatusCompleted))
			Expect(records[0].ErrorMessage).To(ContainSubstring("1 of 2"))
		})

		It("clears the update flag when the registry conclusively lacks the image", func() {
			_, err := store.Replace(ctx, updates.DefaultKey, updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "ghost:latest", LocalDigest: "sha256:a1", LatestDigest: "sha256:a2"},
				},
				Environments: []string{"prod"},
			}, updates.Metadata{})
			Expect(err).ToNot(HaveOccurred())

			source.snapshots[""] = updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "ghost:latest", LocalDigest: "sha256:a1"},
				},
				Environments: []string{"prod"},
			}
			checker.results["a"] = updates.CheckResult{NotFound: true}

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{ForceFullRefresh: true})
			Expect(err).ToNot(HaveOccurred())
			Expect(containerByID(entry, "a").UpdateAvailable()).To(BeFalse())
		})

		It("clears stale registry state on not-found even without neutral local values", func() {
			// Untagged image and no local digest: the clear has no non-empty
			// neutral value to write, and the scoped path merges, which would
			// otherwise re-inherit the stale fields
			_, err := store.Replace(ctx, updates.DefaultKey, updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "internal/ghost", LatestDigest: "sha256:stale", LatestTag: "1.2.3"},
				},
				Environments: []string{"prod"},
			}, updates.Metadata{})
			Expect(err).ToNot(HaveOccurred())

			source.snapshots["prod"] = updates.Snapshot{
				Containers: []updates.Container{
					{ID: "a", Environment: "prod", Image: "internal/ghost"},
				},
				Environments: []string{"prod"},
			}
			checker.results["a"] = updates.CheckResult{NotFound: true}

			entry, err := newOrchestrator().GetCurrent(ctx, updates.Options{
				ForceFullRefresh: true,
				Scope:            "prod",
			})
			Expect(err).ToNot(HaveOccurred())

			a := containerByID(entry, "a")
			Expect(a.LatestDigest).To(BeEmpty(), "stale digest not re-inherited")
			Expect(a.LatestTag).To(BeEmpty(), "stale tag not re-inherited")
			Expect(a.UpdateAvailable()).To(BeFalse())
		})

		It("records a failed run when the container listing fails", func() {
			source.err = errors.New("daemon unreachable")

			_, err := newOrchestrator().GetCurrent(ctx, updates.Options{ForceFullRefresh: true})
			Expect(err).To(MatchError(updates.ErrSourceUnavailable))

			records, err := ledger.Recent(ctx, runs.JobTypeUpdateCheck)
			Expect(err).ToNot(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Status).To(Equal(runs.StatusFailed))
		})
	})
})
