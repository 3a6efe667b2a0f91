// ============================================================================
// Forge-Dispatch Orchestrator - 請求入口
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 驗證請求 → 限流 → 查詢專案脈絡 → 意圖分類 → 建立 payload → 入隊
//
// 邊界規則:
//   所有公開方法都回傳 ToolResponse，不會把 panic 或錯誤丟出邊界。
//   mixed 意圖只回傳澄清提示，不建立任何任務。
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/forge-dispatch/internal/deadletter"
	"github.com/ChuLiYu/forge-dispatch/internal/intent"
	"github.com/ChuLiYu/forge-dispatch/internal/metrics"
	"github.com/ChuLiYu/forge-dispatch/internal/projectctx"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// Queue is the part of the job queue service the orchestrator drives.
type Queue interface {
	Enqueue(queue types.QueueName, payload any, opts types.JobOptions) (types.JobHandle, error)
	GetStatus(queue types.QueueName, id types.JobID) (types.StatusView, error)
	Cancel(queue types.QueueName, id types.JobID) error
	Stats(queue types.QueueName) (types.QueueStats, error)
	UserOutstanding(userID string) int
}

// DeadLetters lists terminally failed jobs.
type DeadLetters interface {
	List(userID string, limit int) []deadletter.Entry
}

// Request is one user request.
type Request struct {
	Text      string   `json:"text"`
	UserID    string   `json:"user_id"`
	ProjectID string   `json:"project_id"`
	History   []string `json:"history,omitempty"`
}

// Config tunes request handling.
type Config struct {
	MaxRequestLength int     `yaml:"max_request_length" validate:"min=1"`
	RateLimit        float64 `yaml:"rate_limit" validate:"min=0"` // requests per second per user, 0 disables
	RateBurst        int     `yaml:"rate_burst" validate:"min=0"`
	MaxJobsPerUser   int     `yaml:"max_jobs_per_user" validate:"min=0"` // unfinished jobs per user, 0 disables

	DefaultAssetType string `yaml:"default_asset_type"`
	DefaultSize      string `yaml:"default_size" validate:"omitempty,oneof=512x512 768x768 1024x1024"`
	DefaultFormat    string `yaml:"default_format" validate:"omitempty,oneof=png webp jpg"`
	DefaultQuality   string `yaml:"default_quality" validate:"omitempty,oneof=draft standard high"`
	DefaultLanguage  string `yaml:"default_language"`
	TrainingSteps    int    `yaml:"training_steps" validate:"min=0,max=50"`
	SummaryMaxWords  int    `yaml:"summary_max_words" validate:"min=0,max=2000"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequestLength: 2000,
		RateLimit:        1,
		RateBurst:        10,
		DefaultAssetType: "concept",
		DefaultSize:      "1024x1024",
		DefaultFormat:    "png",
		DefaultQuality:   "standard",
		DefaultLanguage:  "typescript",
		TrainingSteps:    10,
		SummaryMaxWords:  300,
	}
}

// 各佇列的單位預估耗時，用於 estimatedCompletion
var estimates = map[types.QueueName]time.Duration{
	types.QueueAssetGeneration:   15 * time.Second, // per asset
	types.QueueStylePackTraining: 30 * time.Second, // per training step
	types.QueueCodeScaffold:      45 * time.Second,
	types.QueueDocSummary:        20 * time.Second, // per document
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithMetrics sets the Prometheus collector.
func WithMetrics(m *metrics.Collector) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithDeadLetters enables GetFailedJobs.
func WithDeadLetters(d DeadLetters) Option { return func(o *Orchestrator) { o.dead = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator is the single entry point for user requests.
type Orchestrator struct {
	cfg      Config
	queue    Queue
	projects projectctx.Store
	router   *intent.Router
	validate *validator.Validate
	limiter  *userLimiter
	admit    sync.Mutex // 串接每位使用者的上限檢查與入隊
	log      *slog.Logger
	metrics  *metrics.Collector
	dead     DeadLetters
	now      func() time.Time
}

// New wires an orchestrator. Zero config fields take DefaultConfig values.
func New(queue Queue, projects projectctx.Store, router *intent.Router, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxRequestLength <= 0 {
		cfg.MaxRequestLength = def.MaxRequestLength
	}
	if cfg.DefaultAssetType == "" {
		cfg.DefaultAssetType = def.DefaultAssetType
	}
	if cfg.DefaultSize == "" {
		cfg.DefaultSize = def.DefaultSize
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = def.DefaultFormat
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = def.DefaultQuality
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = def.DefaultLanguage
	}
	if cfg.TrainingSteps <= 0 {
		cfg.TrainingSteps = def.TrainingSteps
	}
	if cfg.SummaryMaxWords <= 0 {
		cfg.SummaryMaxWords = def.SummaryMaxWords
	}

	o := &Orchestrator{
		cfg:      cfg,
		queue:    queue,
		projects: projects,
		router:   router,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.router == nil {
		o.router = intent.NewRouter(intent.Config{}, o.log)
	}
	o.log = o.log.With("component", "orchestrator")
	o.limiter = newUserLimiter(cfg.RateLimit, cfg.RateBurst, o.now)
	return o
}

// ============================================================================
// ProcessRequest
// ============================================================================

// ProcessRequest classifies a request and enqueues the job it asks for.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req Request) (resp ToolResponse) {
	defer o.guard("ProcessRequest", &resp)

	if err := o.validateRequest(req); err != nil {
		return fail(err)
	}
	if allowed, wait := o.limiter.allow(req.UserID); !allowed {
		o.metrics.RecordRateLimited()
		resp = fail(ErrRateLimited)
		resp.Metadata = map[string]any{"retry_after_ms": wait.Milliseconds()}
		return resp
	}

	project, err := o.projects.Lookup(ctx, req.ProjectID)
	if err != nil {
		if errors.Is(err, projectctx.ErrNotFound) {
			return fail(fmt.Errorf("%w: %s", ErrProjectContextNotFound, req.ProjectID))
		}
		o.log.Error("Project lookup failed", "project_id", req.ProjectID, "error", err)
		return fail(errors.New("project lookup failed"))
	}

	in := o.router.Classify(req.Text, req.ProjectID)
	o.metrics.RecordRequest(string(in.Action))

	handle, ok := o.handler(in.Action)
	if !ok {
		return fail(fmt.Errorf("unsupported action %q", in.Action))
	}
	resp = handle(ctx, req, in, project)
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	resp.Metadata["action"] = string(in.Action)
	resp.Metadata["confidence"] = in.Confidence
	resp.Metadata["entities"] = in.Entities
	return resp
}

type handlerFunc func(ctx context.Context, req Request, in intent.Intent, project *projectctx.ProjectContext) ToolResponse

// handler maps every action onto its handler.
func (o *Orchestrator) handler(a intent.Action) (handlerFunc, bool) {
	switch a {
	case intent.ActionGenerateAssets:
		return o.generateAssets, true
	case intent.ActionCreateStylePack:
		return o.createStylePack, true
	case intent.ActionScaffoldCode:
		return o.scaffoldCode, true
	case intent.ActionSummarizeDocs:
		return o.summarizeDocs, true
	case intent.ActionMixed:
		return o.disambiguate, true
	}
	return nil, false
}

func (o *Orchestrator) validateRequest(req Request) error {
	text := strings.TrimSpace(req.Text)
	n := utf8.RuneCountInString(text)
	switch {
	case n == 0:
		return &ValidationError{Field: "text", Message: "must not be empty"}
	case n > o.cfg.MaxRequestLength:
		return &ValidationError{Field: "text", Message: fmt.Sprintf("must be at most %d characters", o.cfg.MaxRequestLength)}
	case strings.TrimSpace(req.UserID) == "":
		return &ValidationError{Field: "user_id", Message: "is required"}
	case strings.TrimSpace(req.ProjectID) == "":
		return &ValidationError{Field: "project_id", Message: "is required"}
	}
	return nil
}

// ============================================================================
// Action handlers
// ============================================================================

func (o *Orchestrator) generateAssets(ctx context.Context, req Request, in intent.Intent, project *projectctx.ProjectContext) ToolResponse {
	e := in.Entities
	payload := types.AssetGenerationPayload{
		Prompt:    strings.TrimSpace(req.Text),
		AssetType: first(e.AssetTypes, o.cfg.DefaultAssetType),
		BatchSize: clamp(firstInt(e.Quantities, 1), 1, 64),
		Size:      o.cfg.DefaultSize,
		Format:    first(e.Formats, o.cfg.DefaultFormat),
		Quality:   o.cfg.DefaultQuality,
		Styles:    e.Styles,
		UserID:    req.UserID,
		ProjectID: project.ID,
	}
	if len(e.Dimensions) > 0 {
		payload.Size = snapSize(e.Dimensions[0])
	}
	if e.Quality != "" {
		payload.Quality = e.Quality
	}
	if len(payload.Styles) > 8 {
		payload.Styles = payload.Styles[:8]
	}

	enriched, err := render("asset", assetPromptData{
		Prompt:    payload.Prompt,
		AssetType: payload.AssetType,
		Styles:    payload.Styles,
		Project:   project,
	})
	if err != nil {
		return o.internal("render asset prompt", err)
	}
	payload.EnrichedPrompt = enriched

	return o.enqueue(req.UserID, types.QueueAssetGeneration, payload, payload.BatchSize)
}

func (o *Orchestrator) createStylePack(ctx context.Context, req Request, in intent.Intent, project *projectctx.ProjectContext) ToolResponse {
	refs := make([]string, 0, len(project.Assets))
	for _, a := range project.Assets {
		refs = append(refs, a.ID)
	}
	if len(refs) == 0 {
		return fail(&ValidationError{Field: "reference_assets", Message: "project has no assets to train on"})
	}
	if len(refs) > 32 {
		refs = refs[:32]
	}

	styles := in.Entities.Styles
	if len(styles) == 0 {
		styles = []string{"custom"}
	}
	if len(styles) > 8 {
		styles = styles[:8]
	}

	payload := types.StylePackPayload{
		Name:            strings.TrimSpace(project.Name + " " + strings.Join(styles, " ") + " style pack"),
		Styles:          styles,
		ReferenceAssets: refs,
		TrainingSteps:   clamp(firstInt(in.Entities.Quantities, o.cfg.TrainingSteps), 1, 50),
		Guidelines:      strings.Join(project.StyleGuidelines, "\n"),
		UserID:          req.UserID,
		ProjectID:       project.ID,
	}
	return o.enqueue(req.UserID, types.QueueStylePackTraining, payload, payload.TrainingSteps)
}

func (o *Orchestrator) scaffoldCode(ctx context.Context, req Request, in intent.Intent, project *projectctx.ProjectContext) ToolResponse {
	projectText, err := render("code", project)
	if err != nil {
		return o.internal("render code context", err)
	}
	history := req.History
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	payload := types.CodeScaffoldPayload{
		Request:   strings.TrimSpace(req.Text),
		Language:  first(in.Entities.Languages, o.cfg.DefaultLanguage),
		Context:   truncate(projectText, 4000),
		History:   history,
		UserID:    req.UserID,
		ProjectID: project.ID,
	}
	return o.enqueue(req.UserID, types.QueueCodeScaffold, payload, 1)
}

func (o *Orchestrator) summarizeDocs(ctx context.Context, req Request, in intent.Intent, project *projectctx.ProjectContext) ToolResponse {
	docs := make([]types.DocumentRef, 0, len(project.Documents))
	for _, d := range project.Documents {
		docs = append(docs, types.DocumentRef{Title: d.Title, Body: d.Body})
	}
	if len(docs) == 0 {
		return fail(&ValidationError{Field: "documents", Message: "project has no documents to summarize"})
	}
	if len(docs) > 20 {
		docs = docs[:20]
	}
	payload := types.DocSummaryPayload{
		Request:   strings.TrimSpace(req.Text),
		Documents: docs,
		MaxWords:  o.cfg.SummaryMaxWords,
		UserID:    req.UserID,
		ProjectID: project.ID,
	}
	return o.enqueue(req.UserID, types.QueueDocSummary, payload, len(docs))
}

var actionDescriptions = map[intent.Action]string{
	intent.ActionGenerateAssets:  "Generate art assets (sprites, icons, textures, backgrounds)",
	intent.ActionCreateStylePack: "Train a reusable style pack from the project's assets",
	intent.ActionScaffoldCode:    "Scaffold game code",
	intent.ActionSummarizeDocs:   "Summarize the project's documents",
}

// disambiguate asks the caller to pick an action. No job is enqueued.
func (o *Orchestrator) disambiguate(ctx context.Context, req Request, in intent.Intent, project *projectctx.ProjectContext) ToolResponse {
	candidates := in.Candidates
	if len(candidates) == 0 {
		candidates = intent.AllActions()[:len(intent.AllActions())-1]
	}
	options := make([]map[string]any, 0, len(candidates))
	for _, a := range candidates {
		options = append(options, map[string]any{
			"action":      string(a),
			"description": actionDescriptions[a],
		})
	}
	prompt := "I couldn't tell what you'd like me to do. Which of these did you mean?"
	if len(in.Candidates) > 1 {
		prompt = "Your request matches more than one kind of task. Which one should I start?"
	}
	return ok(map[string]any{
		"action":             string(intent.ActionMixed),
		"needsClarification": true,
		"prompt":             prompt,
		"options":            options,
	})
}

// enqueue validates the typed payload and submits it. units scales the
// completion estimate.
func (o *Orchestrator) enqueue(userID string, queue types.QueueName, payload any, units int) ToolResponse {
	if err := o.validate.Struct(payload); err != nil {
		return fail(fromValidator(err))
	}
	handle, err := o.admitAndEnqueue(userID, queue, payload)
	if errors.Is(err, ErrTooManyJobs) {
		o.metrics.RecordRateLimited()
		resp := fail(err)
		resp.Metadata = map[string]any{"max_jobs_per_user": o.cfg.MaxJobsPerUser}
		return resp
	}
	if err != nil {
		o.log.Warn("Enqueue failed", "queue", queue, "error", err)
		return fail(fmt.Errorf("could not queue job: %w", err))
	}
	if units < 1 {
		units = 1
	}
	eta := handle.RunAt.Add(estimates[queue] * time.Duration(units))

	o.log.Info("Job queued", "queue", queue, "jobID", handle.ID)
	return ok(map[string]any{
		"jobId":               string(handle.ID),
		"queue":               string(queue),
		"status":              "queued",
		"estimatedCompletion": eta.UTC().Format(time.RFC3339),
	})
}

// admitAndEnqueue enforces MaxJobsPerUser; the count and the enqueue happen
// under one lock.
func (o *Orchestrator) admitAndEnqueue(userID string, queue types.QueueName, payload any) (types.JobHandle, error) {
	if o.cfg.MaxJobsPerUser <= 0 {
		return o.queue.Enqueue(queue, payload, types.JobOptions{})
	}
	o.admit.Lock()
	defer o.admit.Unlock()
	if n := o.queue.UserOutstanding(userID); n >= o.cfg.MaxJobsPerUser {
		o.log.Info("Per-user job cap reached", "user_id", userID, "unfinished", n)
		return types.JobHandle{}, fmt.Errorf("%w: %d unfinished, limit is %d", ErrTooManyJobs, n, o.cfg.MaxJobsPerUser)
	}
	return o.queue.Enqueue(queue, payload, types.JobOptions{})
}

// ============================================================================
// Status boundary
// ============================================================================

// GetJobStatus returns the status view of a job.
func (o *Orchestrator) GetJobStatus(queue, jobID string) (resp ToolResponse) {
	defer o.guard("GetJobStatus", &resp)

	q, err := parseQueue(queue)
	if err != nil {
		return fail(err)
	}
	view, err := o.queue.GetStatus(q, types.JobID(jobID))
	if err != nil {
		return fail(err)
	}
	data := map[string]any{
		"jobId":           string(view.ID),
		"queue":           string(view.Queue),
		"status":          string(view.Status),
		"progress":        view.Progress,
		"attemptsMade":    view.AttemptsMade,
		"attemptsAllowed": view.AttemptsAllowed,
	}
	if view.Result != nil {
		data["result"] = view.Result
	}
	if view.FailureReason != "" {
		data["failureReason"] = view.FailureReason
	}
	return ok(data)
}

// CancelJob cancels a job. Cancelling a finished job succeeds without effect.
func (o *Orchestrator) CancelJob(queue, jobID string) (resp ToolResponse) {
	defer o.guard("CancelJob", &resp)

	q, err := parseQueue(queue)
	if err != nil {
		return fail(err)
	}
	if err := o.queue.Cancel(q, types.JobID(jobID)); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"jobId": jobID, "queue": queue, "cancelled": true})
}

// GetQueueStats returns per-status counts for a queue.
func (o *Orchestrator) GetQueueStats(queue string) (resp ToolResponse) {
	defer o.guard("GetQueueStats", &resp)

	q, err := parseQueue(queue)
	if err != nil {
		return fail(err)
	}
	s, err := o.queue.Stats(q)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"queue":     string(s.Queue),
		"waiting":   s.Waiting,
		"delayed":   s.Delayed,
		"active":    s.Active,
		"completed": s.Completed,
		"failed":    s.Failed,
		"cancelled": s.Cancelled,
		"total":     s.Total,
	})
}

// GetFailedJobs lists dead letters newest first. An empty userID lists every
// user.
func (o *Orchestrator) GetFailedJobs(userID string, limit int) (resp ToolResponse) {
	defer o.guard("GetFailedJobs", &resp)

	if o.dead == nil {
		return fail(ErrDeadLetterDisabled)
	}
	if limit < 0 {
		return fail(&ValidationError{Field: "limit", Message: "must not be negative"})
	}
	entries := o.dead.List(userID, limit)
	jobs := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, map[string]any{
			"jobId":    string(e.JobID),
			"queue":    string(e.Queue),
			"userId":   e.UserID,
			"error":    e.Error,
			"attempts": e.Attempts,
			"payload":  e.Payload,
			"failedAt": e.FailedAt.UTC().Format(time.RFC3339),
		})
	}
	return ok(map[string]any{"jobs": jobs, "count": len(jobs)})
}

// ============================================================================
// 內部輔助
// ============================================================================

// guard converts a panic into a failed response.
func (o *Orchestrator) guard(op string, resp *ToolResponse) {
	if r := recover(); r != nil {
		o.log.Error("Recovered from panic", "op", op, "panic", r)
		*resp = fail(ErrInternal)
	}
}

func (o *Orchestrator) internal(what string, err error) ToolResponse {
	o.log.Error("Internal failure", "op", what, "error", err)
	return fail(ErrInternal)
}

func parseQueue(s string) (types.QueueName, error) {
	q, ok := types.ParseQueueName(s)
	if !ok {
		return "", &ValidationError{Field: "queue", Message: fmt.Sprintf("unknown queue %q", s)}
	}
	return q, nil
}

// snapSize maps an explicit size onto the nearest supported square preset.
func snapSize(d intent.Dimension) string {
	side := max(d.Width, d.Height)
	switch {
	case side <= 512:
		return "512x512"
	case side <= 768:
		return "768x768"
	default:
		return "1024x1024"
	}
}

func first(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}

func firstInt(values []int, fallback int) int {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
