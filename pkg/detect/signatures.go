package detect

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Signature describes how one family of anti-bot challenge pages can be recognized
type Signature struct {
	Name         string
	Selectors    []string // CSS selectors present only on challenge pages
	TitlePhrases []string // Lower-case substrings of <title>
	Keywords     []string // Lower-case substrings of the visible text
	ErrorOnly    bool     // Only evaluated for responses with status >= 400
}

// Matches reports whether the document carries this signature.
// text must already be lower-cased.
func (sig *Signature) Matches(doc *goquery.Document, title, text string) bool {
	for _, sel := range sig.Selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}

	for _, phrase := range sig.TitlePhrases {
		if strings.Contains(title, phrase) {
			return true
		}
	}

	for _, kw := range sig.Keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}

	return false
}

// defaultSignatures is the documented minimal signature set.
// Order matters: the first match names the verdict.
var defaultSignatures = []Signature{
	// Cloudflare managed challenge / "I'm Under Attack" mode
	{
		Name: "cloudflare",
		Selectors: []string{
			"#challenge-form",
			"#cf-challenge-running",
			".cf-browser-verification",
		},
		TitlePhrases: []string{
			"just a moment",
			"attention required",
		},
	},

	// PerimeterX / HUMAN
	{
		Name:      "perimeterx",
		Selectors: []string{"#px-captcha"},
	},

	// Interactive captcha widgets
	{
		Name: "captcha",
		Selectors: []string{
			".g-recaptcha",
			".h-captcha",
			`iframe[src*="captcha"]`,
		},
	},

	// Generic deny pages, including the Russian variants common on marketplaces
	{
		Name: "access-denied",
		TitlePhrases: []string{
			"access denied",
			"are you a robot",
			"доступ ограничен",
			"проверка безопасности",
		},
	},

	// Keyword fallback; too noisy for successful pages
	{
		Name: "keywords",
		Keywords: []string{
			"captcha",
			"recaptcha",
			"antibot",
			"too many requests",
			"rate limit",
		},
		ErrorOnly: true,
	},
}

// DefaultSignatures returns a copy of the built-in signature set
func DefaultSignatures() []Signature {
	out := make([]Signature, len(defaultSignatures))
	copy(out, defaultSignatures)
	return out
}
