// ============================================================================
// Forge-Dispatch Processors - 各佇列的處理函式
// ============================================================================
//
// Package: internal/processors
// 文件: processors.go
// 功能: 將 payload 解碼並驗證，分階段執行，在階段之間檢查取消
//
// 規則:
//   - payload 無法解碼或驗證失敗屬於永久錯誤，不重試
//   - 每個步驟之前呼叫 worker.Checkpoint；被取消時立即返回 cause
//   - 進度只增不減，最後的 100% 由佇列在完成時設定
//
// ============================================================================

package processors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/forge-dispatch/internal/notify"
	"github.com/ChuLiYu/forge-dispatch/internal/worker"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// Registrar is the part of the job queue service processors register with.
type Registrar interface {
	RegisterWorker(queue types.QueueName, fn worker.ProcessFunc, concurrency int) error
	Queues() []types.QueueName
}

// Set holds the collaborators shared by every processing function.
type Set struct {
	assets    AssetBackend
	text      TextGenerator
	publisher notify.Publisher
	validate  *validator.Validate
	log       *slog.Logger
	now       func() time.Time
}

// NewSet builds the processing functions. text falls back to assets when it
// is nil and assets also generates text.
func NewSet(assets AssetBackend, text TextGenerator, publisher notify.Publisher, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	if text == nil {
		if tg, ok := assets.(TextGenerator); ok {
			text = tg
		}
	}
	if publisher == nil {
		publisher = notify.NewLogPublisher(logger)
	}
	return &Set{
		assets:    assets,
		text:      text,
		publisher: publisher,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       logger.With("component", "processors"),
		now:       time.Now,
	}
}

// For returns the processing function of a queue.
func (s *Set) For(queue types.QueueName) (worker.ProcessFunc, error) {
	switch queue {
	case types.QueueAssetGeneration:
		return s.generateAssets, nil
	case types.QueueStylePackTraining:
		return s.trainStylePack, nil
	case types.QueuePostProcessing:
		return s.postProcess, nil
	case types.QueueNotifications:
		return s.sendNotification, nil
	case types.QueueCodeScaffold:
		return s.scaffoldCode, nil
	case types.QueueDocSummary:
		return s.summarizeDocs, nil
	}
	return nil, fmt.Errorf("no processor for queue %q", queue)
}

// RegisterAll registers a processing function for every configured queue,
// using each queue's own concurrency.
func (s *Set) RegisterAll(r Registrar) error {
	for _, q := range r.Queues() {
		fn, err := s.For(q)
		if err != nil {
			return err
		}
		if err := r.RegisterWorker(q, fn, 0); err != nil {
			return fmt.Errorf("register %s: %w", q, err)
		}
	}
	return nil
}

// decode turns the job payload into a validated typed payload.
func (s *Set) decode(job *types.Job, out any) error {
	if err := types.DecodePayload(job.Payload, out); err != nil {
		return worker.Permanent(err)
	}
	if err := s.validate.Struct(out); err != nil {
		return worker.Permanent(fmt.Errorf("invalid %s payload: %w", job.Queue, err))
	}
	return nil
}

// percent maps step done of total onto [from, to].
func percent(from, to, done, total int) int {
	if total <= 0 {
		return to
	}
	return from + (to-from)*done/total
}

// ============================================================================
// asset-generation
// ============================================================================

func (s *Set) generateAssets(ctx context.Context, job *types.Job, r worker.Reporter) (types.JobResult, error) {
	var p types.AssetGenerationPayload
	if err := s.decode(job, &p); err != nil {
		return types.JobResult{}, err
	}

	if err := r.Report(types.Progress{Percentage: 5, Stage: "preparing", Message: "Preparing prompt", TotalSteps: p.BatchSize}); err != nil {
		return types.JobResult{}, err
	}

	assets := make([]any, 0, p.BatchSize)
	for i := 0; i < p.BatchSize; i++ {
		if err := worker.Checkpoint(ctx); err != nil {
			return types.JobResult{}, err
		}
		a, err := s.assets.RenderAsset(ctx, AssetRequest{
			ID:     fmt.Sprintf("%s-%02d", job.ID, i+1),
			Prompt: p.EnrichedPrompt,
			Type:   p.AssetType,
			Size:   p.Size,
			Format: p.Format,
			Index:  i,
		})
		if err != nil {
			return types.JobResult{}, fmt.Errorf("render asset %d/%d: %w", i+1, p.BatchSize, err)
		}
		assets = append(assets, map[string]any{
			"id": a.ID, "url": a.URL, "type": a.Type, "size": a.Size, "format": a.Format, "seed": a.Seed,
		})
		if err := r.Report(types.Progress{
			Percentage:  percent(10, 90, i+1, p.BatchSize),
			Stage:       "generating",
			Message:     fmt.Sprintf("Generated %d of %d", i+1, p.BatchSize),
			CurrentStep: i + 1,
			TotalSteps:  p.BatchSize,
		}); err != nil {
			return types.JobResult{}, err
		}
	}

	if err := worker.Checkpoint(ctx); err != nil {
		return types.JobResult{}, err
	}
	if err := r.Report(types.Progress{Percentage: 95, Stage: "finalizing", Message: "Finalizing batch"}); err != nil {
		return types.JobResult{}, err
	}

	return types.JobResult{
		Data: map[string]any{
			"assets":     assets,
			"asset_type": p.AssetType,
			"format":     p.Format,
		},
		Metadata: map[string]any{"prompt": p.Prompt, "styles": p.Styles, "quality": p.Quality},
	}, nil
}

// ============================================================================
// style-pack-training
// ============================================================================

func (s *Set) trainStylePack(ctx context.Context, job *types.Job, r worker.Reporter) (types.JobResult, error) {
	var p types.StylePackPayload
	if err := s.decode(job, &p); err != nil {
		return types.JobResult{}, err
	}

	packID := "sp-" + string(job.ID)
	var loss float64
	for step := 1; step <= p.TrainingSteps; step++ {
		if err := worker.Checkpoint(ctx); err != nil {
			return types.JobResult{}, err
		}
		var err error
		if loss, err = s.assets.TrainStep(ctx, packID, step); err != nil {
			return types.JobResult{}, fmt.Errorf("training step %d: %w", step, err)
		}
		if err := r.Report(types.Progress{
			Percentage:  percent(0, 95, step, p.TrainingSteps),
			Stage:       "training",
			Message:     fmt.Sprintf("Step %d/%d loss %.4f", step, p.TrainingSteps, loss),
			CurrentStep: step,
			TotalSteps:  p.TrainingSteps,
		}); err != nil {
			return types.JobResult{}, err
		}
	}

	return types.JobResult{
		Data: map[string]any{
			"style_pack_id":    packID,
			"name":             p.Name,
			"styles":           p.Styles,
			"reference_assets": len(p.ReferenceAssets),
			"final_loss":       loss,
		},
	}, nil
}

// ============================================================================
// post-processing
// ============================================================================

func (s *Set) postProcess(ctx context.Context, job *types.Job, r worker.Reporter) (types.JobResult, error) {
	var p types.PostProcessingPayload
	if err := s.decode(job, &p); err != nil {
		return types.JobResult{}, err
	}

	total := len(p.Assets) * len(p.Operations)
	outputs := make([]any, 0, len(p.Assets))
	step := 0
	for _, asset := range p.Assets {
		url := ""
		for _, op := range p.Operations {
			if err := worker.Checkpoint(ctx); err != nil {
				return types.JobResult{}, err
			}
			var err error
			if url, err = s.assets.PostProcess(ctx, asset, op, p.Format); err != nil {
				return types.JobResult{}, fmt.Errorf("%s %s: %w", op, asset, err)
			}
			step++
			if err := r.Report(types.Progress{
				Percentage:  percent(0, 95, step, total),
				Stage:       op,
				CurrentStep: step,
				TotalSteps:  total,
			}); err != nil {
				return types.JobResult{}, err
			}
		}
		outputs = append(outputs, map[string]any{"id": asset, "url": url})
	}

	return types.JobResult{Data: map[string]any{"assets": outputs, "operations": p.Operations}}, nil
}

// ============================================================================
// code-scaffold / doc-summary
// ============================================================================

func (s *Set) scaffoldCode(ctx context.Context, job *types.Job, r worker.Reporter) (types.JobResult, error) {
	var p types.CodeScaffoldPayload
	if err := s.decode(job, &p); err != nil {
		return types.JobResult{}, err
	}
	if err := r.Report(types.Progress{Percentage: 10, Stage: "prompting"}); err != nil {
		return types.JobResult{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write %s code for: %s\n", p.Language, p.Request)
	if p.Context != "" {
		fmt.Fprintf(&b, "Project context: %s\n", p.Context)
	}
	for _, h := range p.History {
		fmt.Fprintf(&b, "Earlier request: %s\n", h)
	}

	code, err := s.generate(ctx, b.String())
	if err != nil {
		return types.JobResult{}, err
	}
	if err := r.Report(types.Progress{Percentage: 90, Stage: "formatting"}); err != nil {
		return types.JobResult{}, err
	}
	return types.JobResult{Data: map[string]any{"language": p.Language, "code": code}}, nil
}

func (s *Set) summarizeDocs(ctx context.Context, job *types.Job, r worker.Reporter) (types.JobResult, error) {
	var p types.DocSummaryPayload
	if err := s.decode(job, &p); err != nil {
		return types.JobResult{}, err
	}

	// 逐份摘要，最後合併
	parts := make([]string, 0, len(p.Documents))
	for i, doc := range p.Documents {
		if err := worker.Checkpoint(ctx); err != nil {
			return types.JobResult{}, err
		}
		out, err := s.generate(ctx, fmt.Sprintf("Summarize %q for: %s\n%s", doc.Title, p.Request, doc.Body))
		if err != nil {
			return types.JobResult{}, fmt.Errorf("summarize %q: %w", doc.Title, err)
		}
		parts = append(parts, doc.Title+": "+out)
		if err := r.Report(types.Progress{
			Percentage:  percent(0, 90, i+1, len(p.Documents)),
			Stage:       "summarizing",
			CurrentStep: i + 1,
			TotalSteps:  len(p.Documents),
		}); err != nil {
			return types.JobResult{}, err
		}
	}

	summary, words := limitWords(strings.Join(parts, "\n"), p.MaxWords)
	return types.JobResult{Data: map[string]any{
		"summary":    summary,
		"word_count": words,
		"documents":  len(p.Documents),
	}}, nil
}

func (s *Set) generate(ctx context.Context, prompt string) (string, error) {
	if s.text == nil {
		return "", worker.Permanent(fmt.Errorf("no text generator configured"))
	}
	return s.text.GenerateText(ctx, prompt)
}

// limitWords keeps at most limit words; line breaks survive inside the kept part.
func limitWords(text string, limit int) (string, int) {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	count := 0
	for _, line := range lines {
		words := strings.Fields(line)
		if count+len(words) > limit {
			words = words[:limit-count]
		}
		count += len(words)
		if len(words) > 0 {
			kept = append(kept, strings.Join(words, " "))
		}
		if count == limit {
			break
		}
	}
	return strings.Join(kept, "\n"), count
}

// ============================================================================
// notifications
// ============================================================================

func (s *Set) sendNotification(ctx context.Context, job *types.Job, r worker.Reporter) (types.JobResult, error) {
	var p types.NotificationPayload
	if err := s.decode(job, &p); err != nil {
		return types.JobResult{}, err
	}
	msg := notify.FromPayload(p, s.now())
	if err := s.publisher.Publish(ctx, msg); err != nil {
		return types.JobResult{}, fmt.Errorf("publish notification: %w", err)
	}
	return types.JobResult{Data: map[string]any{"routing_key": msg.RoutingKey(), "job_id": string(p.JobID)}}, nil
}
