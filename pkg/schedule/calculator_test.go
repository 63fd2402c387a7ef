package schedule_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/whaletrack-dev/api/pkg/runs"
	"github.com/whaletrack-dev/api/pkg/schedule"
)

var _ = Describe("Calculator", func() {
	var calc *schedule.Calculator

	jobType := runs.JobTypeUpdateCheck
	enabled := schedule.JobConfig{Enabled: true, IntervalMinutes: 60}

	completedRun := func(id string, completedAt time.Time) runs.RunRecord {
		return runs.RunRecord{
			ID:          id,
			JobType:     jobType,
			Status:      runs.StatusCompleted,
			StartedAt:   completedAt.Add(-time.Minute),
			CompletedAt: &completedAt,
		}
	}

	BeforeEach(func() {
		calc = schedule.NewCalculator()
	})

	Context("with no runs yet", func() {
		It("anchors on now exactly once and memoizes it", func() {
			before := time.Now()
			first, ok := calc.ComputeNext(jobType, enabled, nil)
			Expect(ok).To(BeTrue())
			Expect(first).To(BeTemporally("~", before.Add(60*time.Minute), time.Second))

			// A later poll with no new runs must return the identical
			// timestamp, not a freshly computed now+interval
			second, ok := calc.ComputeNext(jobType, enabled, nil)
			Expect(ok).To(BeTrue())
			Expect(second).To(Equal(first))
		})
	})

	Context("with a completed run", func() {
		It("anchors on its completion time", func() {
			completed := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
			recent := []runs.RunRecord{completedRun("run-1", completed)}

			next, ok := calc.ComputeNext(jobType, enabled, recent)
			Expect(ok).To(BeTrue())
			Expect(next).To(Equal(completed.Add(60 * time.Minute)))
		})

		It("is idempotent for an unchanged run list and config", func() {
			completed := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
			recent := []runs.RunRecord{completedRun("run-1", completed)}

			first, _ := calc.ComputeNext(jobType, enabled, recent)
			second, _ := calc.ComputeNext(jobType, enabled, recent)
			Expect(second).To(Equal(first))
		})

		It("prefers the most recent completed run", func() {
			older := time.Date(2026, 5, 2, 7, 0, 0, 0, time.UTC)
			newer := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
			recent := []runs.RunRecord{
				completedRun("run-1", older),
				completedRun("run-2", newer),
			}

			next, _ := calc.ComputeNext(jobType, enabled, recent)
			Expect(next).To(Equal(newer.Add(60 * time.Minute)))
		})

		It("moves the schedule when a new run completes", func() {
			first := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
			next1, _ := calc.ComputeNext(jobType, enabled, []runs.RunRecord{completedRun("run-1", first)})

			second := first.Add(time.Hour)
			next2, _ := calc.ComputeNext(jobType, enabled, []runs.RunRecord{
				completedRun("run-2", second),
				completedRun("run-1", first),
			})
			Expect(next2).To(Equal(second.Add(60 * time.Minute)))
			Expect(next2).ToNot(Equal(next1))
		})
	})

	Context("with only a running run", func() {
		It("anchors on its start time", func() {
			started := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)
			recent := []runs.RunRecord{{
				ID:        "run-1",
				JobType:   jobType,
				Status:    runs.StatusRunning,
				StartedAt: started,
			}}

			next, ok := calc.ComputeNext(jobType, enabled, recent)
			Expect(ok).To(BeTrue())
			Expect(next).To(Equal(started.Add(60 * time.Minute)))
		})
	})

	Context("memoization", func() {
		It("does not recompute when unrelated config fields change", func() {
			completed := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
			recent := []runs.RunRecord{completedRun("run-1", completed)}

			first, _ := calc.ComputeNext(jobType, enabled, recent)

			// Same interval via a distinct config value
			same := schedule.JobConfig{Enabled: true, IntervalMinutes: 60}
			second, _ := calc.ComputeNext(jobType, same, recent)
			Expect(second).To(Equal(first))
		})

		It("recomputes when the interval changes", func() {
			completed := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
			recent := []runs.RunRecord{completedRun("run-1", completed)}

			calc.ComputeNext(jobType, enabled, recent)

			shorter := schedule.JobConfig{Enabled: true, IntervalMinutes: 30}
			next, _ := calc.ComputeNext(jobType, shorter, recent)
			Expect(next).To(Equal(completed.Add(30 * time.Minute)))
		})

		It("records state per job type", func() {
			completed := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
			recent := []runs.RunRecord{completedRun("run-1", completed)}

			next, _ := calc.ComputeNext(jobType, enabled, recent)
			other, ok := calc.ComputeNext("image-prune", enabled, nil)
			Expect(ok).To(BeTrue())
			Expect(other).ToNot(Equal(next))
		})
	})

	Context("when disabled", func() {
		It("returns empty and clears the memo", func() {
			first, ok := calc.ComputeNext(jobType, enabled, nil)
			Expect(ok).To(BeTrue())

			disabled := schedule.JobConfig{Enabled: false, IntervalMinutes: 60}
			_, ok = calc.ComputeNext(jobType, disabled, nil)
			Expect(ok).To(BeFalse())

			// Re-enabling anchors afresh rather than reusing the old memo
			second, ok := calc.ComputeNext(jobType, enabled, nil)
			Expect(ok).To(BeTrue())
			Expect(second).To(BeTemporally(">=", first))
		})

		It("returns empty when no interval is configured", func() {
			_, ok := calc.ComputeNext(jobType, schedule.JobConfig{Enabled: true}, nil)
			Expect(ok).To(BeFalse())
		})
	})
})
