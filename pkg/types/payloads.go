package types

// Typed payloads carried by each queue. They are built by the orchestrator,
// stored as JSON-shaped maps and decoded again by the processors.

// Size presets accepted by asset generation.
var AssetSizes = []string{"512x512", "768x768", "1024x1024"}

// AssetGenerationPayload drives the asset-generation queue.
type AssetGenerationPayload struct {
	Prompt         string   `json:"prompt" validate:"required,max=2000"`
	EnrichedPrompt string   `json:"enriched_prompt" validate:"required,max=8000"`
	AssetType      string   `json:"asset_type" validate:"required,oneof=sprite character icon texture tileset background weapon item ui portrait environment concept"`
	BatchSize      int      `json:"batch_size" validate:"min=1,max=64"`
	Size           string   `json:"size" validate:"oneof=512x512 768x768 1024x1024"`
	Format         string   `json:"format" validate:"oneof=png webp jpg"`
	Quality        string   `json:"quality" validate:"oneof=draft standard high"`
	Styles         []string `json:"styles,omitempty" validate:"max=8,dive,max=32"`
	UserID         string   `json:"user_id" validate:"required"`
	ProjectID      string   `json:"project_id" validate:"required"`
}

// StylePackPayload drives the style-pack-training queue.
type StylePackPayload struct {
	Name            string   `json:"name" validate:"required,max=120"`
	Styles          []string `json:"styles" validate:"min=1,max=8,dive,max=32"`
	ReferenceAssets []string `json:"reference_assets" validate:"min=1,max=32"`
	TrainingSteps   int      `json:"training_steps" validate:"min=1,max=50"`
	Guidelines      string   `json:"guidelines,omitempty" validate:"max=4000"`
	UserID          string   `json:"user_id" validate:"required"`
	ProjectID       string   `json:"project_id" validate:"required"`
}

// CodeScaffoldPayload drives the code-scaffold queue.
type CodeScaffoldPayload struct {
	Request   string   `json:"request" validate:"required,max=2000"`
	Language  string   `json:"language" validate:"oneof=go python typescript javascript rust csharp gdscript lua"`
	Context   string   `json:"context,omitempty" validate:"max=4000"`
	History   []string `json:"history,omitempty" validate:"max=5"`
	UserID    string   `json:"user_id" validate:"required"`
	ProjectID string   `json:"project_id" validate:"required"`
}

// DocumentRef is a document handed to the summarizer.
type DocumentRef struct {
	Title string `json:"title" validate:"required"`
	Body  string `json:"body" validate:"required"`
}

// DocSummaryPayload drives the doc-summary queue.
type DocSummaryPayload struct {
	Request   string        `json:"request" validate:"required,max=2000"`
	Documents []DocumentRef `json:"documents" validate:"min=1,max=20,dive"`
	MaxWords  int           `json:"max_words" validate:"min=20,max=2000"`
	UserID    string        `json:"user_id" validate:"required"`
	ProjectID string        `json:"project_id" validate:"required"`
}

// PostProcessingPayload drives the post-processing queue.
type PostProcessingPayload struct {
	Assets     []string `json:"assets" validate:"min=1,max=64"`
	Operations []string `json:"operations" validate:"min=1,max=4,dive,oneof=upscale trim convert remove-background"`
	Format     string   `json:"format" validate:"oneof=png webp jpg"`
	UserID     string   `json:"user_id" validate:"required"`
	ProjectID  string   `json:"project_id,omitempty"`
}

// NotificationPayload drives the notifications queue.
type NotificationPayload struct {
	Event   string    `json:"event" validate:"oneof=completed failed"`
	Queue   QueueName `json:"queue" validate:"required"`
	JobID   JobID     `json:"job_id" validate:"required"`
	UserID  string    `json:"user_id,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// NewPayload returns a pointer to an empty typed payload for queue.
func NewPayload(queue QueueName) (any, bool) {
	switch queue {
	case QueueAssetGeneration:
		return &AssetGenerationPayload{}, true
	case QueueStylePackTraining:
		return &StylePackPayload{}, true
	case QueuePostProcessing:
		return &PostProcessingPayload{}, true
	case QueueNotifications:
		return &NotificationPayload{}, true
	case QueueCodeScaffold:
		return &CodeScaffoldPayload{}, true
	case QueueDocSummary:
		return &DocSummaryPayload{}, true
	}
	return nil, false
}
