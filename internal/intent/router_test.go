package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *Router {
	return NewRouter(Config{}, nil)
}

func TestClassify_Actions(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantAction Action
	}{
		{"asset request", "Generate 5 warrior sprites in pixel art style", ActionGenerateAssets},
		{"icons", "make some potion icons", ActionGenerateAssets},
		{"style pack", "Build a style pack from our reference art", ActionCreateStylePack},
		{"training", "train a LoRA so everything has a consistent style", ActionCreateStylePack},
		{"code", "scaffold a player controller script in GDScript", ActionScaffoldCode},
		{"boilerplate", "I need boilerplate for an inventory API in Go code", ActionScaffoldCode},
		{"summary", "summarize the design docs into key points", ActionSummarizeDocs},
		{"tldr", "tl;dr of the lore documents please", ActionSummarizeDocs},
		{"no keywords", "hello there", ActionMixed},
		{"empty", "", ActionMixed},
		{"tie", "scaffold a summary", ActionMixed},
	}

	r := newTestRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Classify(tt.text, "proj-1")
			assert.Equal(t, tt.wantAction, got.Action, "scores: %v", got.Scores)
			assert.Equal(t, tt.text, got.OriginalRequest)
			assert.Equal(t, "proj-1", got.ProjectID)
			assert.GreaterOrEqual(t, got.Confidence, 0.0)
			assert.LessOrEqual(t, got.Confidence, 1.0)
		})
	}
}

func TestClassify_WarriorSprites(t *testing.T) {
	got := newTestRouter().Classify("Generate 5 warrior sprites in pixel art style", "")

	assert.Equal(t, ActionGenerateAssets, got.Action)
	assert.Equal(t, []int{5}, got.Entities.Quantities)
	assert.Contains(t, got.Entities.Styles, "pixel-art")
	assert.Equal(t, []string{"sprite"}, got.Entities.AssetTypes)
	assert.GreaterOrEqual(t, got.Confidence, DefaultThreshold)
	assert.Empty(t, got.Candidates)
}

func TestClassify_NoMatchHasZeroConfidence(t *testing.T) {
	got := newTestRouter().Classify("what's the weather like", "")
	assert.Equal(t, ActionMixed, got.Action)
	assert.Zero(t, got.Confidence)
	assert.Empty(t, got.Candidates)
}

func TestClassify_TieListsCandidates(t *testing.T) {
	got := newTestRouter().Classify("scaffold a summary", "")
	require.Equal(t, ActionMixed, got.Action)
	assert.Equal(t, []Action{ActionScaffoldCode, ActionSummarizeDocs}, got.Candidates)
	assert.Equal(t, 0.5, got.Confidence)
}

func TestClassify_BelowThreshold(t *testing.T) {
	r := NewRouter(Config{Threshold: 0.95}, nil)
	got := r.Classify("Generate 5 warrior sprites in pixel art style", "")
	assert.Equal(t, ActionMixed, got.Action)
	assert.Equal(t, ActionGenerateAssets, got.Candidates[0])
}

func TestExtract_Quantities(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []int
	}{
		{"digits", "10 icons", []int{10}},
		{"number words", "three swords and a dozen potions", []int{3, 12}},
		{"text order", "two heroes and 7 villains", []int{2, 7}},
		{"clamped", "generate 500 icons", []int{64}},
		{"huge", "generate 99999999999999999999999 icons", []int{64}},
		{"zero ignored", "0 icons", nil},
		{"dimensions are not counts", "4 sprites at 1024x1024", []int{4}},
		{"units are not counts", "16-bit sprites at 50% scale, 64px", nil},
		{"none", "some sprites", nil},
	}

	r := newTestRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Classify(tt.text, "").Entities.Quantities)
		})
	}
}

func TestExtract_MaxQuantityConfigurable(t *testing.T) {
	r := NewRouter(Config{MaxQuantity: 8}, nil)
	assert.Equal(t, []int{8, 2}, r.Classify("20 icons and 2 items", "").Entities.Quantities)
}

func TestExtract_Entities(t *testing.T) {
	r := newTestRouter()

	got := r.Classify("Draw 4 isometric low-poly tiles and icons at 512x512 as webp, high quality", "").Entities
	assert.Equal(t, []Dimension{{Width: 512, Height: 512}}, got.Dimensions)
	assert.Equal(t, "512x512", got.Dimensions[0].String())
	assert.Equal(t, []string{"isometric", "low-poly"}, got.Styles)
	assert.Equal(t, []string{"tileset", "icon"}, got.AssetTypes)
	assert.Equal(t, []string{"webp"}, got.Formats)
	assert.Equal(t, "high", got.Quality)

	code := r.Classify("scaffold a save system in C# for Unity, or maybe golang", "").Entities
	assert.Equal(t, []string{"csharp", "go"}, code.Languages)

	none := r.Classify("summarize the notes", "").Entities
	assert.Empty(t, none.Styles)
	assert.Empty(t, none.AssetTypes)
	assert.Empty(t, none.Languages)
	assert.Empty(t, none.Quality)
}
