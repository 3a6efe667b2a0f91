package processors

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Asset is one generated asset.
type Asset struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Type   string `json:"type"`
	Size   string `json:"size"`
	Format string `json:"format"`
	Seed   uint32 `json:"seed"`
}

// AssetRequest describes a single asset to render.
type AssetRequest struct {
	ID     string
	Prompt string
	Type   string
	Size   string
	Format string
	Index  int
}

// AssetBackend renders and transforms assets and trains style packs.
type AssetBackend interface {
	RenderAsset(ctx context.Context, req AssetRequest) (Asset, error)
	TrainStep(ctx context.Context, packID string, step int) (loss float64, err error)
	PostProcess(ctx context.Context, assetID, operation, format string) (string, error)
}

// TextGenerator produces text for a prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// ============================================================================
// Simulated
// ============================================================================

// Simulated is a deterministic backend: the same input always yields the
// same output after Latency.
type Simulated struct {
	Latency time.Duration
}

// NewSimulated returns a simulated backend that waits latency per call.
func NewSimulated(latency time.Duration) *Simulated {
	return &Simulated{Latency: latency}
}

// wait blocks for the latency or until ctx is done.
func (s *Simulated) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func (s *Simulated) RenderAsset(ctx context.Context, req AssetRequest) (Asset, error) {
	if err := s.wait(ctx); err != nil {
		return Asset{}, err
	}
	return Asset{
		ID:     req.ID,
		URL:    fmt.Sprintf("forge://assets/%s.%s", req.ID, req.Format),
		Type:   req.Type,
		Size:   req.Size,
		Format: req.Format,
		Seed:   seed(req.Prompt, req.Index),
	}, nil
}

func (s *Simulated) TrainStep(ctx context.Context, packID string, step int) (float64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	// 損失隨步數遞減
	return 1.0 / float64(step+1), nil
}

func (s *Simulated) PostProcess(ctx context.Context, assetID, operation, format string) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("forge://assets/%s.%s.%s", assetID, operation, format), nil
}

// GenerateText echoes the task line of the prompt, followed by words taken
// from the rest of it.
func (s *Simulated) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	task, rest, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	words := strings.Fields(rest)
	if len(words) > 60 {
		words = words[:60]
	}
	out := "[simulated] " + task
	if len(words) > 0 {
		out += "\n" + strings.Join(words, " ")
	}
	return out, nil
}

func seed(prompt string, index int) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s#%d", prompt, index)
	return h.Sum32()
}

var (
	_ AssetBackend  = (*Simulated)(nil)
	_ TextGenerator = (*Simulated)(nil)
)
