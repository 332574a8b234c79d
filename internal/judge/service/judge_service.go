package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"judgebox/internal/judge/model"
	"judgebox/internal/judge/publisher"
	"judgebox/internal/judge/repository"
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/security"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"
)

const defaultMemoryBytes = 256 << 20

// CodeExecutor is the sandbox surface the judge drives: one compile per
// job, then one run per testcase against the shared artifact.
type CodeExecutor interface {
	Compile(ctx context.Context, ws *sandbox.Workspace, p sandbox.ExecutionProfile) (sandbox.CompileResult, error)
	RunTestcase(ctx context.Context, ws *sandbox.Workspace, p sandbox.ExecutionProfile, tc model.Testcase, timeLimitMs, memoryBytes int64) (model.ExecutionResult, error)
}

// Observer receives every judged outcome, for instrumentation.
type Observer interface {
	JobJudged(verdict model.Verdict, duration time.Duration)
}

// JudgeService runs jobs end to end: security gate, workspace, compile,
// sequential testcase runs, verdict derivation, then persistence and
// result publication for queued submissions.
type JudgeService struct {
	validator         *security.Validator
	profiles          *sandbox.Registry
	workspaces        *sandbox.WorkspaceManager
	executor          CodeExecutor
	admission         *AdmissionController
	submissions       repository.SubmissionStore
	users             repository.UserStore
	status            repository.StatusStore
	publisher         publisher.ResultPublisher
	observer          Observer
	archiveWorkspaces bool
	fallbackMemory    int64
}

// Config holds service dependencies and settings. Submissions, Users,
// Status and Publisher are optional; without them the service judges
// but does not persist or announce.
type Config struct {
	Validator         *security.Validator
	Profiles          *sandbox.Registry
	Workspaces        *sandbox.WorkspaceManager
	Executor          CodeExecutor
	Admission         *AdmissionController
	Submissions       repository.SubmissionStore
	Users             repository.UserStore
	Status            repository.StatusStore
	Publisher         publisher.ResultPublisher
	Observer          Observer
	ArchiveWorkspaces bool
	// DefaultMemoryBytes caps executions whose job carries no memory
	// limit of its own.
	DefaultMemoryBytes int64
}

// NewJudgeService creates a judge service.
func NewJudgeService(cfg Config) (*JudgeService, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("security validator is required")
	}
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("profile registry is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Admission == nil {
		return nil, fmt.Errorf("admission controller is required")
	}
	fallback := cfg.DefaultMemoryBytes
	if fallback <= 0 {
		fallback = defaultMemoryBytes
	}
	return &JudgeService{
		validator:         cfg.Validator,
		profiles:          cfg.Profiles,
		workspaces:        cfg.Workspaces,
		executor:          cfg.Executor,
		admission:         cfg.Admission,
		submissions:       cfg.Submissions,
		users:             cfg.Users,
		status:            cfg.Status,
		publisher:         cfg.Publisher,
		observer:          cfg.Observer,
		archiveWorkspaces: cfg.ArchiveWorkspaces,
		fallbackMemory:    fallback,
	}, nil
}

// ExecuteJob judges a job synchronously and returns its outcome. The
// caller sees typed errors for everything that prevents judging:
// validation, a blocked security rule, capacity, workspace failure.
func (s *JudgeService) ExecuteJob(ctx context.Context, job *model.Job) (*model.JudgeOutcome, error) {
	if job == nil {
		return nil, appErr.ValidationError("job", "required")
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	profile, memoryBytes, err := s.prepare(ctx, job)
	if err != nil {
		return nil, err
	}

	release, err := s.admission.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	outcome, err := s.judge(ctx, job, profile, memoryBytes, nil)
	if err != nil {
		return nil, err
	}
	s.observe(outcome)
	return outcome, nil
}

// ProcessJob judges a dequeued job and persists and publishes its
// terminal verdict. Judging failures never propagate: every failure
// mode resolves to a terminal verdict, and a panic resolves to a
// defensive RUNTIME_ERROR. Only shutdown abandons a job.
func (s *JudgeService) ProcessJob(ctx context.Context, job *model.Job) {
	if job == nil {
		return
	}
	start := time.Now()
	receivedAt := start.Unix()

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic while judging job",
				zap.String("job_id", job.JobID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			outcome := s.defensiveOutcome(job, fmt.Sprintf("internal judge failure: %v", r), start)
			s.finalize(ctx, job, outcome, receivedAt)
		}
	}()

	if err := job.Validate(); err != nil {
		s.finalize(ctx, job, s.defensiveOutcome(job, err.Error(), start), receivedAt)
		return
	}

	s.saveSnapshot(ctx, model.StatusSnapshot{
		SubmissionID: job.JobID,
		Status:       model.VerdictRunning,
		TotalTests:   len(job.Testcases),
		ReceivedAt:   receivedAt,
	})
	if s.submissions != nil && job.JobType == model.JobTypeSubmission {
		if err := s.submissions.UpdateStatus(ctx, job.JobID, model.VerdictRunning); err != nil {
			logger.Warn(ctx, "mark submission running failed",
				zap.String("job_id", job.JobID),
				zap.Error(err))
		}
	}

	profile, memoryBytes, err := s.prepare(ctx, job)
	if err != nil {
		// Blocked or unjudgeable code must not wait for a slot; it
		// resolves straight to a terminal verdict.
		s.finalize(ctx, job, s.defensiveOutcome(job, err.Error(), start), receivedAt)
		return
	}

	release, err := s.admission.AcquireWait(ctx)
	if err != nil {
		logger.Warn(ctx, "abandoning job, shutdown while waiting for a slot",
			zap.String("job_id", job.JobID),
			zap.Error(err))
		return
	}
	defer release()

	onProgress := func(done int) {
		s.saveSnapshot(ctx, model.StatusSnapshot{
			SubmissionID: job.JobID,
			Status:       model.VerdictRunning,
			TotalTests:   len(job.Testcases),
			DoneTests:    done,
			ReceivedAt:   receivedAt,
		})
	}

	outcome, err := s.judge(ctx, job, profile, memoryBytes, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn(ctx, "abandoning job on shutdown",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			return
		}
		logger.Warn(ctx, "job failed before judging completed",
			zap.String("job_id", job.JobID),
			zap.Error(err))
		outcome = s.defensiveOutcome(job, err.Error(), start)
	}
	s.finalize(ctx, job, outcome, receivedAt)
}

// prepare runs every pre-spawn gate: the security rules, language
// support, memory limit syntax. Nothing here consumes an admission slot.
func (s *JudgeService) prepare(ctx context.Context, job *model.Job) (sandbox.ExecutionProfile, int64, error) {
	if _, err := s.validator.Validate(ctx, job.SourceCode, job.Language); err != nil {
		return sandbox.ExecutionProfile{}, 0, err
	}
	profile, err := s.profiles.Get(job.Language)
	if err != nil {
		return sandbox.ExecutionProfile{}, 0, err
	}
	memoryBytes := s.fallbackMemory
	if job.MemoryLimit != "" {
		memoryBytes, err = model.ParseMemorySize(job.MemoryLimit)
		if err != nil {
			return sandbox.ExecutionProfile{}, 0, err
		}
	}
	return profile, memoryBytes, nil
}

func (s *JudgeService) judge(ctx context.Context, job *model.Job, profile sandbox.ExecutionProfile, memoryBytes int64, onProgress func(done int)) (*model.JudgeOutcome, error) {
	start := time.Now()

	ws, err := s.workspaces.Prepare(ctx, job.JobID, job.SourceCode, profile)
	if err != nil {
		return nil, err
	}
	defer func() {
		if s.archiveWorkspaces {
			if err := s.workspaces.Archive(ctx, ws); err != nil {
				logger.Warn(ctx, "workspace archive failed",
					zap.String("job_id", job.JobID),
					zap.Error(err))
			}
		}
		ws.Release(ctx)
	}()

	compileRes, err := s.executor.Compile(ctx, ws, profile)
	if err != nil {
		switch appErr.GetCode(err) {
		case appErr.CompileFailed, appErr.CompileTimeout:
			return s.compileFailureOutcome(job, compileRes, err, start), nil
		}
		return nil, err
	}

	results := make([]model.TestcaseVerdict, 0, len(job.Testcases))
	errs := make([]error, 0, len(job.Testcases))
	for _, tc := range job.Testcases {
		verdict, runErr := s.runOne(ctx, ws, profile, job, tc, memoryBytes)
		results = append(results, verdict)
		errs = append(errs, runErr)
		if onProgress != nil {
			onProgress(len(results))
		}
	}

	return &model.JudgeOutcome{
		JobID:            job.JobID,
		Verdict:          DeriveVerdict(results, errs),
		Score:            ComputeScore(ctx, job.Testcases, results),
		Summary:          model.BuildSummary(results),
		Results:          results,
		CompileOutput:    compileRes.Stderr,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		FinishedAt:       time.Now().Unix(),
	}, nil
}

// runOne judges a single testcase. An execution error is folded into
// the verdict and returned alongside it; it never aborts the remaining
// testcases.
func (s *JudgeService) runOne(ctx context.Context, ws *sandbox.Workspace, profile sandbox.ExecutionProfile, job *model.Job, tc model.Testcase, memoryBytes int64) (model.TestcaseVerdict, error) {
	res, err := s.executor.RunTestcase(ctx, ws, profile, tc, job.TimeLimitMs, memoryBytes)
	verdict := model.TestcaseVerdict{
		TestcaseID:      tc.ID,
		Input:           tc.Input,
		Expected:        tc.ExpectedOutput,
		Actual:          res.Stdout,
		Stderr:          res.Stderr,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}
	if err != nil {
		verdict.Error = err.Error()
		logger.Debug(ctx, "testcase errored",
			zap.String("job_id", job.JobID),
			zap.String("testcase_id", tc.ID),
			zap.Error(err))
		return verdict, err
	}
	verdict.Passed = sandbox.OutputsMatch(tc.ExpectedOutput, res.Stdout)
	return verdict, nil
}

// compileFailureOutcome spreads the compiler diagnostics over every
// testcase: none of them ran, all of them carry the same message.
func (s *JudgeService) compileFailureOutcome(job *model.Job, compileRes sandbox.CompileResult, err error, start time.Time) *model.JudgeOutcome {
	msg := strings.TrimSpace(compileRes.Stderr)
	if msg == "" {
		msg = err.Error()
	}
	results := make([]model.TestcaseVerdict, len(job.Testcases))
	for i, tc := range job.Testcases {
		results[i] = model.TestcaseVerdict{
			TestcaseID: tc.ID,
			Input:      tc.Input,
			Expected:   tc.ExpectedOutput,
			Error:      msg,
		}
	}
	return &model.JudgeOutcome{
		JobID:            job.JobID,
		Verdict:          model.VerdictCompilationError,
		Score:            0,
		Summary:          model.BuildSummary(results),
		Results:          results,
		CompileOutput:    compileRes.Stderr,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		FinishedAt:       time.Now().Unix(),
	}
}

// defensiveOutcome is the terminal verdict for jobs that failed before
// or outside normal judging: panics, blocked code, workspace failures.
func (s *JudgeService) defensiveOutcome(job *model.Job, msg string, start time.Time) *model.JudgeOutcome {
	results := make([]model.TestcaseVerdict, len(job.Testcases))
	for i, tc := range job.Testcases {
		results[i] = model.TestcaseVerdict{
			TestcaseID: tc.ID,
			Input:      tc.Input,
			Expected:   tc.ExpectedOutput,
			Error:      msg,
		}
	}
	return &model.JudgeOutcome{
		JobID:            job.JobID,
		Verdict:          model.VerdictRuntimeError,
		Score:            0,
		Summary:          model.BuildSummary(results),
		Results:          results,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		FinishedAt:       time.Now().Unix(),
	}
}

func (s *JudgeService) finalize(ctx context.Context, job *model.Job, outcome *model.JudgeOutcome, receivedAt int64) {
	if outcome == nil {
		return
	}

	if s.submissions != nil && job.JobType == model.JobTypeSubmission {
		if err := s.submissions.UpdateResult(ctx, job.JobID, outcome); err != nil {
			logger.Error(ctx, "persist verdict failed",
				zap.String("job_id", job.JobID),
				zap.String("verdict", string(outcome.Verdict)),
				zap.Error(err))
		} else if outcome.Verdict == model.VerdictAccepted {
			s.awardPoints(ctx, job)
		}
	}

	s.saveSnapshot(ctx, model.StatusSnapshot{
		SubmissionID: job.JobID,
		Status:       outcome.Verdict,
		TotalTests:   len(outcome.Results),
		DoneTests:    len(outcome.Results),
		Score:        outcome.Score,
		ReceivedAt:   receivedAt,
		FinishedAt:   outcome.FinishedAt,
	})

	if s.publisher != nil {
		event := model.ResultEvent{
			SubmissionID: job.JobID,
			Data: model.ResultEventData{
				Status: outcome.Verdict,
				Result: outcome.Results,
				Score:  outcome.Score,
			},
		}
		if err := s.publisher.PublishResult(ctx, event); err != nil {
			logger.Warn(ctx, "publish result failed",
				zap.String("job_id", job.JobID),
				zap.Error(err))
		}
	}

	s.observe(outcome)
	logger.Info(ctx, "job judged",
		zap.String("job_id", job.JobID),
		zap.String("verdict", string(outcome.Verdict)),
		zap.Int("score", outcome.Score),
		zap.Int64("processing_ms", outcome.ProcessingTimeMs))
}

func (s *JudgeService) observe(outcome *model.JudgeOutcome) {
	if s.observer == nil || outcome == nil {
		return
	}
	s.observer.JobJudged(outcome.Verdict, time.Duration(outcome.ProcessingTimeMs)*time.Millisecond)
}

// awardPoints credits the problem's full point value on first accept.
// Failures only log: ranking is bookkeeping, never a judging failure.
func (s *JudgeService) awardPoints(ctx context.Context, job *model.Job) {
	if s.users == nil || job.UserID == "" || job.ProblemID <= 0 {
		return
	}
	points := 0
	for _, tc := range job.Testcases {
		points += tc.Point
	}
	if points <= 0 {
		return
	}
	awarded, err := s.users.AwardRankingPoints(ctx, job.UserID, job.ProblemID, points)
	if err != nil {
		logger.Error(ctx, "award ranking points failed",
			zap.String("user_id", job.UserID),
			zap.Int64("problem_id", job.ProblemID),
			zap.Error(err))
		return
	}
	if !awarded {
		logger.Debug(ctx, "ranking points previously awarded",
			zap.String("user_id", job.UserID),
			zap.Int64("problem_id", job.ProblemID))
	}
}

func (s *JudgeService) saveSnapshot(ctx context.Context, snap model.StatusSnapshot) {
	if s.status == nil {
		return
	}
	if err := s.status.Save(ctx, snap); err != nil {
		logger.Warn(ctx, "save status snapshot failed",
			zap.String("submission_id", snap.SubmissionID),
			zap.Error(err))
	}
}
