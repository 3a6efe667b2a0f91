// ============================================================================
// Forge-Dispatch Intent Router - 自然語言請求分類
// ============================================================================
//
// Package: internal/intent
// 文件: router.go
// 功能: 將請求文字對應到固定動作集合，並抽取實體（數量、尺寸、素材類型、風格等）
//
// 分類方式:
//   每個動作有一組加權關鍵字，命中即累加分數。
//   confidence = 最高分 / 總分。
//   以下情況回傳 mixed，由呼叫端要求使用者澄清：
//     - 沒有任何關鍵字命中（confidence 0）
//     - 最高分有兩個以上動作並列
//     - confidence 低於門檻
//
// 這是刻意保持簡單的關鍵字比對，不是語意理解。
//
// ============================================================================

package intent

import (
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Action is the closed set of things a request can ask for.
type Action string

const (
	ActionGenerateAssets  Action = "generate_assets"
	ActionCreateStylePack Action = "create_style_pack"
	ActionScaffoldCode    Action = "scaffold_code"
	ActionSummarizeDocs   Action = "summarize_docs"
	ActionMixed           Action = "mixed"
)

// AllActions lists every action, mixed last.
func AllActions() []Action {
	return []Action{
		ActionGenerateAssets,
		ActionCreateStylePack,
		ActionScaffoldCode,
		ActionSummarizeDocs,
		ActionMixed,
	}
}

// 預設值
const (
	DefaultThreshold   = 0.6
	DefaultMaxQuantity = 64
)

// Dimension is an explicit WxH size found in the request.
type Dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (d Dimension) String() string {
	return strconv.Itoa(d.Width) + "x" + strconv.Itoa(d.Height)
}

// Entities are the values extracted from a request. Categories with no
// match are left empty.
type Entities struct {
	Quantities []int       `json:"quantities,omitempty"`
	Dimensions []Dimension `json:"dimensions,omitempty"`
	AssetTypes []string    `json:"asset_types,omitempty"`
	Styles     []string    `json:"styles,omitempty"`
	Languages  []string    `json:"languages,omitempty"`
	Formats    []string    `json:"formats,omitempty"`
	Quality    string      `json:"quality,omitempty"`
}

// Intent is the classification of one request. It is never stored.
type Intent struct {
	OriginalRequest string             `json:"original_request"`
	ProjectID       string             `json:"project_id,omitempty"`
	Action          Action             `json:"action"`
	Confidence      float64            `json:"confidence"`
	Entities        Entities           `json:"entities"`
	Scores          map[Action]float64 `json:"scores,omitempty"`
	// Candidates are the plausible actions, best first. Set when Action is mixed.
	Candidates []Action `json:"candidates,omitempty"`
}

// Config tunes the router.
type Config struct {
	Threshold   float64 `yaml:"threshold" validate:"gte=0,lte=1"`
	MaxQuantity int     `yaml:"max_quantity" validate:"gte=0"`
}

// Router classifies requests. It is stateless and safe for concurrent use.
type Router struct {
	cfg Config
	log *slog.Logger
}

// NewRouter creates a router; zero config values fall back to the defaults.
func NewRouter(cfg Config, logger *slog.Logger) *Router {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = DefaultMaxQuantity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, log: logger.With("component", "intent")}
}

// Classify maps text onto an action and extracts its entities.
func (r *Router) Classify(text, projectID string) Intent {
	in := Intent{
		OriginalRequest: text,
		ProjectID:       projectID,
		Scores:          make(map[Action]float64, len(actionTerms)),
		Entities:        r.extract(text),
	}

	var total float64
	for action, terms := range actionTerms {
		var score float64
		for _, t := range terms {
			if t.index(text) >= 0 {
				score += t.weight
			}
		}
		if score > 0 {
			in.Scores[action] = score
			total += score
		}
	}

	ranked := rank(in.Scores)
	switch {
	case total == 0:
		in.Action = ActionMixed
	case len(ranked) > 1 && in.Scores[ranked[0]] == in.Scores[ranked[1]]:
		in.Action = ActionMixed
		in.Confidence = in.Scores[ranked[0]] / total
		in.Candidates = ranked
	default:
		in.Confidence = in.Scores[ranked[0]] / total
		if in.Confidence < r.cfg.Threshold {
			in.Action = ActionMixed
			in.Candidates = ranked
		} else {
			in.Action = ranked[0]
		}
	}
	in.Confidence = math.Round(in.Confidence*1000) / 1000

	r.log.Debug("Request classified",
		"action", in.Action,
		"confidence", in.Confidence,
		"candidates", in.Candidates)
	return in
}

// rank orders the scored actions by score, then by AllActions order.
func rank(scores map[Action]float64) []Action {
	order := make(map[Action]int)
	for i, a := range AllActions() {
		order[a] = i
	}
	out := make([]Action, 0, len(scores))
	for a := range scores {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] > scores[out[j]]
		}
		return order[out[i]] < order[out[j]]
	})
	return out
}

// ============================================================================
// 實體抽取
// ============================================================================

var (
	dimensionPattern = regexp.MustCompile(`(?i)\b(\d{2,5})\s*[x×]\s*(\d{2,5})\b`)
	unitPattern      = regexp.MustCompile(`(?i)\b\d+\s*-?\s*(?:(?:bit|px|fps|k)\b|%)`)
	digitPattern     = regexp.MustCompile(`\b\d+\b`)
	wordPattern      = numberWordPattern()
)

func numberWordPattern() *regexp.Regexp {
	words := make([]string, 0, len(numberWords))
	for w := range numberWords {
		words = append(words, w)
	}
	// 長的優先，避免 "fifteen" 被部分比對
	sort.Slice(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
}

func (r *Router) extract(text string) Entities {
	var e Entities

	for _, m := range dimensionPattern.FindAllStringSubmatch(text, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		e.Dimensions = append(e.Dimensions, Dimension{Width: w, Height: h})
	}
	// 尺寸與帶單位的數字不算數量；以等長空白取代以保留位置
	rest := blank(text, dimensionPattern)
	rest = blank(rest, unitPattern)
	e.Quantities = r.quantities(rest)

	e.AssetTypes = matchAll(text, assetTypeTerms)
	e.Styles = matchAll(text, styleTerms)
	e.Languages = matchAll(text, languageTerms)
	e.Formats = matchAll(text, formatTerms)
	if q := matchAll(text, qualityTerms); len(q) > 0 {
		e.Quality = q[0]
	}
	return e
}

type positioned struct {
	pos   int
	value int
}

// quantities returns the counts in text order, each clamped to [1, MaxQuantity].
func (r *Router) quantities(text string) []int {
	var found []positioned
	for _, loc := range digitPattern.FindAllStringIndex(text, -1) {
		n, err := strconv.Atoi(text[loc[0]:loc[1]])
		if err != nil {
			// 超出 int 範圍的數字一律視為上限
			n = math.MaxInt
		}
		found = append(found, positioned{loc[0], n})
	}
	for _, loc := range wordPattern.FindAllStringIndex(text, -1) {
		found = append(found, positioned{loc[0], numberWords[strings.ToLower(text[loc[0]:loc[1]])]})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	var out []int
	for _, f := range found {
		if f.value <= 0 {
			continue
		}
		out = append(out, min(f.value, r.cfg.MaxQuantity))
	}
	return out
}

// matchAll returns the canonical value of every matching term in order of
// first appearance.
func matchAll(text string, terms []term) []string {
	var found []positioned
	for i, t := range terms {
		if pos := t.index(text); pos >= 0 {
			found = append(found, positioned{pos, i})
		}
	}
	if len(found) == 0 {
		return nil
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = terms[f.value].canonical
	}
	return out
}

func blank(text string, re *regexp.Regexp) string {
	return re.ReplaceAllStringFunc(text, func(m string) string {
		return strings.Repeat(" ", len(m))
	})
}
