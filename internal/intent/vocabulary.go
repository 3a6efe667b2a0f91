package intent

import (
	"regexp"
	"strings"
)

// term is one vocabulary entry: any of its phrases maps onto canonical.
type term struct {
	canonical string
	weight    float64
	pattern   *regexp.Regexp
}

// newTerm compiles phrases into a case-insensitive pattern bounded by
// non-alphanumerics. Spaces inside a phrase also match hyphens.
func newTerm(canonical string, weight float64, phrases ...string) term {
	alts := make([]string, len(phrases))
	for i, p := range phrases {
		words := strings.Fields(p)
		for j, w := range words {
			words[j] = regexp.QuoteMeta(w)
		}
		alts[i] = strings.Join(words, `[\s\-]+`)
	}
	expr := `(?i)(?:^|[^a-z0-9])(?:` + strings.Join(alts, "|") + `)(?:$|[^a-z0-9])`
	return term{canonical: canonical, weight: weight, pattern: regexp.MustCompile(expr)}
}

// index returns the position of the first match or -1.
func (t term) index(text string) int {
	loc := t.pattern.FindStringIndex(text)
	if loc == nil {
		return -1
	}
	return loc[0]
}

// ============================================================================
// 動作關鍵字（加權）
// ============================================================================

var actionTerms = map[Action][]term{
	ActionGenerateAssets: {
		newTerm("generate", 1, "generate", "create", "make", "draw", "render", "design"),
		newTerm("asset", 2, "asset", "assets", "sprite", "sprites", "icon", "icons", "texture", "textures",
			"tileset", "tilesets", "portrait", "portraits", "background", "backgrounds", "concept art",
			"artwork", "illustration", "illustrations"),
		newTerm("image", 1.5, "image", "images", "picture", "pictures", "art"),
	},
	ActionCreateStylePack: {
		newTerm("style pack", 4, "style pack", "style packs", "stylepack"),
		newTerm("train", 2, "train", "training", "fine tune", "finetune", "lora"),
		newTerm("consistent", 1.5, "consistent style", "art direction", "style guide", "visual identity"),
		newTerm("style", 0.5, "style"),
	},
	ActionScaffoldCode: {
		newTerm("scaffold", 3, "scaffold", "boilerplate", "skeleton", "stub", "stubs"),
		newTerm("code", 2, "code", "script", "scripts", "function", "functions", "class", "classes",
			"module", "api", "endpoint", "component"),
		newTerm("implement", 1.5, "implement", "program", "refactor", "write a"),
	},
	ActionSummarizeDocs: {
		newTerm("summarize", 3, "summarize", "summarise", "summary", "summaries", "tl;dr", "tldr", "recap", "digest"),
		newTerm("document", 1, "document", "documents", "docs", "documentation", "notes", "gdd", "design doc"),
		newTerm("key points", 2, "key points", "overview", "outline", "condense"),
	},
}

// ============================================================================
// 實體詞彙
// ============================================================================

// Asset types; canonical values match the asset generation payload.
var assetTypeTerms = []term{
	newTerm("sprite", 1, "sprite", "sprites"),
	newTerm("character", 1, "character", "characters", "hero", "heroes", "npc", "npcs"),
	newTerm("icon", 1, "icon", "icons"),
	newTerm("texture", 1, "texture", "textures"),
	newTerm("tileset", 1, "tileset", "tilesets", "tiles", "tile set"),
	newTerm("background", 1, "background", "backgrounds", "backdrop"),
	newTerm("weapon", 1, "weapon", "weapons", "sword", "swords"),
	newTerm("item", 1, "item", "items", "pickup", "pickups", "loot"),
	newTerm("ui", 1, "ui", "hud", "interface", "button", "buttons"),
	newTerm("portrait", 1, "portrait", "portraits", "avatar", "avatars"),
	newTerm("environment", 1, "environment", "environments", "landscape", "level art"),
	newTerm("concept", 1, "concept art", "concept", "concepts"),
}

var styleTerms = []term{
	newTerm("pixel-art", 1, "pixel art", "pixelart", "pixel", "8 bit", "8-bit", "16 bit", "16-bit"),
	newTerm("low-poly", 1, "low poly", "lowpoly"),
	newTerm("cartoon", 1, "cartoon", "cartoonish", "toon"),
	newTerm("anime", 1, "anime", "manga"),
	newTerm("chibi", 1, "chibi"),
	newTerm("realistic", 1, "realistic", "photorealistic", "photo real"),
	newTerm("watercolor", 1, "watercolor", "watercolour"),
	newTerm("hand-drawn", 1, "hand drawn", "handdrawn", "sketchy"),
	newTerm("painterly", 1, "painterly", "oil painting"),
	newTerm("isometric", 1, "isometric"),
	newTerm("cel-shaded", 1, "cel shaded", "cel shading"),
	newTerm("minimalist", 1, "minimalist", "minimal", "flat"),
	newTerm("retro", 1, "retro", "vintage"),
	newTerm("fantasy", 1, "fantasy", "medieval"),
	newTerm("sci-fi", 1, "sci fi", "scifi", "cyberpunk", "futuristic"),
	newTerm("dark", 1, "dark", "gothic", "grim"),
}

// Languages; canonical values match the code scaffold payload.
var languageTerms = []term{
	newTerm("go", 1, "golang", "go code", "go service", "go module", "in go"),
	newTerm("python", 1, "python", "py"),
	newTerm("typescript", 1, "typescript", "ts"),
	newTerm("javascript", 1, "javascript", "js", "node"),
	newTerm("rust", 1, "rust"),
	newTerm("csharp", 1, "c#", "csharp", "unity"),
	newTerm("gdscript", 1, "gdscript", "godot"),
	newTerm("lua", 1, "lua", "love2d"),
}

var formatTerms = []term{
	newTerm("png", 1, "png"),
	newTerm("webp", 1, "webp"),
	newTerm("jpg", 1, "jpg", "jpeg"),
}

var qualityTerms = []term{
	newTerm("high", 1, "high quality", "hq", "high res", "high resolution", "detailed", "production ready"),
	newTerm("draft", 1, "draft", "quick", "rough", "placeholder"),
	newTerm("standard", 1, "standard quality", "normal quality"),
}

// numberWords covers the counts people usually spell out.
var numberWords = map[string]int{
	"couple": 2, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11,
	"twelve": 12, "dozen": 12, "fifteen": 15, "twenty": 20, "thirty": 30,
}
