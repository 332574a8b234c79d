package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"judgebox/internal/judge/metrics"
	"judgebox/internal/judge/model"
)

func scrape(t *testing.T, m *metrics.JudgeMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestJobJudgedCountsByVerdict(t *testing.T) {
	t.Parallel()
	m := metrics.New(nil)

	m.JobJudged(model.VerdictAccepted, 120*time.Millisecond)
	m.JobJudged(model.VerdictAccepted, 80*time.Millisecond)
	m.JobJudged(model.VerdictWrongAnswer, 40*time.Millisecond)

	body := scrape(t, m)
	if !strings.Contains(body, `judge_jobs_judged_total{verdict="ACCEPTED"} 2`) {
		t.Fatalf("missing accepted counter:\n%s", body)
	}
	if !strings.Contains(body, `judge_jobs_judged_total{verdict="WRONG_ANSWER"} 1`) {
		t.Fatalf("missing wrong answer counter:\n%s", body)
	}
	if !strings.Contains(body, "judge_job_duration_seconds_count 3") {
		t.Fatalf("missing duration count:\n%s", body)
	}
}

func TestActiveJobsGaugeReadsLive(t *testing.T) {
	t.Parallel()
	active := 0
	m := metrics.New(func() int { return active })

	active = 3
	if !strings.Contains(scrape(t, m), "judge_active_jobs 3") {
		t.Fatal("gauge did not follow the live value up")
	}
	active = 1
	if !strings.Contains(scrape(t, m), "judge_active_jobs 1") {
		t.Fatal("gauge did not follow the live value down")
	}
}

func TestSamplerRecordsQueueDepth(t *testing.T) {
	t.Parallel()
	m := metrics.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, func(context.Context) (int64, error) {
		return 7, nil
	})

	deadline := time.After(2 * time.Second)
	for {
		if strings.Contains(scrape(t, m), "judge_queue_depth 7") {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sampler never recorded the queue depth")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	t.Parallel()
	first := metrics.New(nil)
	second := metrics.New(nil)

	first.JobJudged(model.VerdictAccepted, time.Millisecond)

	if strings.Contains(scrape(t, second), `judge_jobs_judged_total{verdict="ACCEPTED"} 1`) {
		t.Fatal("second instance sees the first instance's counters")
	}
}
