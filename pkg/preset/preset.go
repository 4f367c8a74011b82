// Package preset resolves the content method used for a batch.
//
// A caller either names a method explicitly or passes "auto", in which case
// the method is chosen from keywords in the user's intent.
package preset

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/3leaps/clipforge/pkg/model"
)

// Auto is the sentinel that requests keyword-based resolution.
const Auto = "auto"

// Video methods.
const (
	StoryHook   = "story_hook"
	Listicle    = "listicle"
	ProductDemo = "product_demo"
	TalkingHead = "talking_head"
	Explainer   = "explainer"
	MemeRemix   = "meme_remix"
)

// Image packs.
const (
	ProductShot = "product_shot"
	Lifestyle   = "lifestyle"
	QuoteCard   = "quote_card"
	Meme        = "meme"
	Infographic = "infographic"
)

// DefaultVideoMethod is used when no video method scores.
const DefaultVideoMethod = StoryHook

// DefaultImagePack is used when no image keyword matches.
const DefaultImagePack = Lifestyle

// Method describes one selectable content method.
type Method struct {
	Key         string
	Kind        model.OutputKind
	Description string
	// Keywords score 2 points each when they appear as a whole word.
	Keywords []string
	// Phrases score 1 point each when they appear anywhere in the intent.
	Phrases []string
}

// videoMethods is in declaration order; ties resolve to the earlier entry.
var videoMethods = []Method{
	{
		Key:         StoryHook,
		Kind:        model.OutputVideo,
		Description: "Narrative short with a hook in the first seconds",
		Keywords:    []string{"story", "hook", "journey", "narrative"},
		Phrases:     []string{"tell the story", "how i", "what happened"},
	},
	{
		Key:         Listicle,
		Kind:        model.OutputVideo,
		Description: "Numbered tips or reasons",
		Keywords:    []string{"tips", "list", "reasons", "ways", "top"},
		Phrases:     []string{"top 5", "top 10", "things you", "reasons why"},
	},
	{
		Key:         ProductDemo,
		Kind:        model.OutputVideo,
		Description: "Show the product in use",
		Keywords:    []string{"demo", "product", "unboxing", "features", "launch"},
		Phrases:     []string{"how it works", "show off", "new release"},
	},
	{
		Key:         TalkingHead,
		Kind:        model.OutputVideo,
		Description: "Presenter speaking to camera",
		Keywords:    []string{"founder", "presenter", "testimonial", "interview", "opinion"},
		Phrases:     []string{"talk to camera", "in my opinion", "hot take"},
	},
	{
		Key:         Explainer,
		Kind:        model.OutputVideo,
		Description: "Concept explained step by step",
		Keywords:    []string{"explain", "explainer", "tutorial", "guide", "learn"},
		Phrases:     []string{"how to", "step by step", "what is"},
	},
	{
		Key:         MemeRemix,
		Kind:        model.OutputVideo,
		Description: "Trend or meme format remix",
		Keywords:    []string{"meme", "trend", "trending", "funny", "viral"},
		Phrases:     []string{"pov", "when you", "nobody:"},
	},
}

// imagePacks is in declaration order; the first keyword match wins.
var imagePacks = []Method{
	{
		Key:         ProductShot,
		Kind:        model.OutputImage,
		Description: "Clean studio shot of a product",
		Keywords:    []string{"product", "packshot", "studio", "catalog"},
	},
	{
		Key:         Lifestyle,
		Kind:        model.OutputImage,
		Description: "Product or brand in an everyday scene",
		Keywords:    []string{"lifestyle", "everyday", "outdoor", "people"},
	},
	{
		Key:         QuoteCard,
		Kind:        model.OutputImage,
		Description: "Typographic quote on a background",
		Keywords:    []string{"quote", "quotes", "motivational", "saying"},
	},
	{
		Key:         Meme,
		Kind:        model.OutputImage,
		Description: "Captioned meme image",
		Keywords:    []string{"meme", "funny", "joke"},
	},
	{
		Key:         Infographic,
		Kind:        model.OutputImage,
		Description: "Data or facts laid out visually",
		Keywords:    []string{"infographic", "stats", "data", "chart", "facts"},
	},
}

// Methods returns the selectable methods for a kind in declaration order.
func Methods(kind model.OutputKind) []Method {
	switch kind {
	case model.OutputVideo:
		return append([]Method(nil), videoMethods...)
	case model.OutputImage:
		return append([]Method(nil), imagePacks...)
	default:
		return nil
	}
}

// Lookup returns the method registered under key for kind.
func Lookup(kind model.OutputKind, key string) (Method, bool) {
	for _, m := range Methods(kind) {
		if m.Key == key {
			return m, true
		}
	}
	return Method{}, false
}

// Score is the keyword score of one method for an intent.
type Score struct {
	Key     string   `json:"key"`
	Points  int      `json:"points"`
	Matched []string `json:"matched,omitempty"`
}

// Resolution is the outcome of Resolve with its diagnostic score table.
type Resolution struct {
	Method    string           `json:"method"`
	Requested string           `json:"requested"`
	Kind      model.OutputKind `json:"output_kind"`
	Auto      bool             `json:"auto"`
	Scores    []Score          `json:"scores,omitempty"`
}

// UnknownMethodError is returned for a method key that is not registered for the kind.
type UnknownMethodError struct {
	Key  string
	Kind model.OutputKind
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown %s method %q", e.Kind, e.Key)
}

// Resolve returns the concrete method key for a request.
func Resolve(intent, requested string, kind model.OutputKind) (string, error) {
	res, err := Explain(intent, requested, kind)
	if err != nil {
		return "", err
	}
	return res.Method, nil
}

// Explain resolves like Resolve and also returns the score table used.
func Explain(intent, requested string, kind model.OutputKind) (Resolution, error) {
	if _, err := model.ParseOutputKind(string(kind)); err != nil {
		return Resolution{}, err
	}
	key := strings.ToLower(strings.TrimSpace(requested))
	if key == "" {
		key = Auto
	}
	res := Resolution{Requested: key, Kind: kind}

	if key != Auto {
		if _, ok := Lookup(kind, key); !ok {
			return Resolution{}, &UnknownMethodError{Key: requested, Kind: kind}
		}
		res.Method = key
		return res, nil
	}

	res.Auto = true
	words := tokenize(intent)
	lower := strings.ToLower(intent)

	switch kind {
	case model.OutputVideo:
		best, bestPoints := DefaultVideoMethod, 0
		for _, m := range videoMethods {
			s := scoreMethod(m, words, lower)
			res.Scores = append(res.Scores, s)
			if s.Points > bestPoints {
				best, bestPoints = m.Key, s.Points
			}
		}
		res.Method = best
	case model.OutputImage:
		res.Method = DefaultImagePack
		matched := false
		for _, m := range imagePacks {
			s := scoreMethod(m, words, lower)
			res.Scores = append(res.Scores, s)
			if s.Points > 0 && !matched {
				res.Method, matched = m.Key, true
			}
		}
	}
	return res, nil
}

func scoreMethod(m Method, words map[string]bool, lower string) Score {
	s := Score{Key: m.Key}
	for _, kw := range m.Keywords {
		if words[kw] {
			s.Points += 2
			s.Matched = append(s.Matched, kw)
		}
	}
	for _, ph := range m.Phrases {
		if strings.Contains(lower, ph) {
			s.Points++
			s.Matched = append(s.Matched, ph)
		}
	}
	return s
}

func tokenize(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}
