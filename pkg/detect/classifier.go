package detect

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"
)

// MaxBodyBytes caps how much of a response body is inspected
const MaxBodyBytes = 256 << 10

// Response is the part of an HTTP exchange the classifier looks at
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte // Truncated to MaxBodyBytes
	URL        string
}

// Verdict is the classifier's decision for one response
type Verdict struct {
	Blocked   bool
	Signature string // Which rule matched; empty when not blocked
}

// Classifier decides whether a response is an anti-bot challenge rather than real content
type Classifier interface {
	Classify(resp Response) Verdict
}

// Options extends the default signature set
type Options struct {
	ExtraKeywords      []string
	ExtraSelectors     []string
	TitlePatterns      []*regexp.Regexp
	BlockedStatusCodes []int
}

// DefaultClassifier implements Classifier with the built-in signatures plus Options.
// Immutable after construction; safe for concurrent use.
type DefaultClassifier struct {
	signatures    []Signature
	titlePatterns []*regexp.Regexp
	blockedCodes  map[int]struct{}
	log           *logrus.Entry
}

// NewDefaultClassifier creates a classifier with the documented signature set
func NewDefaultClassifier(opts Options, log *logrus.Entry) *DefaultClassifier {
	sigs := DefaultSignatures()

	selectors := Signature{Name: "custom-selector"}
	for _, s := range opts.ExtraSelectors {
		if s = strings.TrimSpace(s); s != "" {
			selectors.Selectors = append(selectors.Selectors, s)
		}
	}
	if len(selectors.Selectors) > 0 {
		sigs = append(sigs, selectors)
	}

	keywords := Signature{Name: "custom-keyword", ErrorOnly: true}
	for _, k := range opts.ExtraKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords.Keywords = append(keywords.Keywords, k)
		}
	}
	if len(keywords.Keywords) > 0 {
		sigs = append(sigs, keywords)
	}

	codes := map[int]struct{}{http.StatusTooManyRequests: {}}
	for _, c := range opts.BlockedStatusCodes {
		codes[c] = struct{}{}
	}

	return &DefaultClassifier{
		signatures:    sigs,
		titlePatterns: opts.TitlePatterns,
		blockedCodes:  codes,
		log:           log,
	}
}

// Classify applies status, header, then DOM rules. A 403 is always treated as blocked;
// the DOM pass only refines which signature is reported.
func (c *DefaultClassifier) Classify(resp Response) Verdict {
	if _, ok := c.blockedCodes[resp.StatusCode]; ok {
		return c.blocked(resp, fmt.Sprintf("status %d", resp.StatusCode))
	}

	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("cf-mitigated")), "challenge") {
		return c.blocked(resp, "cf-mitigated")
	}

	if name := c.matchBody(resp); name != "" {
		return c.blocked(resp, name)
	}

	if resp.StatusCode == http.StatusForbidden {
		return c.blocked(resp, "forbidden")
	}

	return Verdict{}
}

// matchBody parses the body as HTML and returns the first matching signature name
func (c *DefaultClassifier) matchBody(resp Response) string {
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return ""
	}
	body := resp.Body
	if len(body) > MaxBodyBytes {
		body = body[:MaxBodyBytes]
	}

	reader, err := charset.NewReader(bytes.NewReader(body), resp.Header.Get("Content-Type"))
	if err != nil {
		c.log.WithError(err).Debug("Charset detection failed, reading body as UTF-8")
		reader = bytes.NewReader(body)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		c.log.WithError(err).Debug("Body is not parseable HTML")
		return ""
	}

	rawTitle := strings.TrimSpace(doc.Find("title").First().Text())
	title := strings.ToLower(rawTitle)
	text := strings.ToLower(doc.Text())
	isError := resp.StatusCode >= 400

	for i := range c.signatures {
		sig := &c.signatures[i]
		if sig.ErrorOnly && !isError {
			continue
		}
		if sig.Matches(doc, title, text) {
			return sig.Name
		}
	}

	for _, re := range c.titlePatterns {
		if rawTitle != "" && re.MatchString(rawTitle) {
			return "title-pattern"
		}
	}
	return ""
}

func (c *DefaultClassifier) blocked(resp Response, signature string) Verdict {
	c.log.WithFields(logrus.Fields{
		"url":       resp.URL,
		"status":    resp.StatusCode,
		"signature": signature,
	}).Debug("Anti-bot signature matched")
	return Verdict{Blocked: true, Signature: signature}
}
