package detect

import (
	"io"
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/charmap"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func htmlResponse(status int, body string) Response {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return Response{StatusCode: status, Header: h, Body: []byte(body), URL: "https://shop.example/item"}
}

func TestClassify_DefaultSignatures(t *testing.T) {
	c := NewDefaultClassifier(Options{}, testLogger())

	tests := []struct {
		name      string
		resp      Response
		blocked   bool
		signature string
	}{
		{
			name:    "plain 200",
			resp:    htmlResponse(200, `<html><head><title>Product</title></head><body><h1>Phone</h1></body></html>`),
			blocked: false,
		},
		{
			name:      "429 status",
			resp:      htmlResponse(429, ``),
			blocked:   true,
			signature: "status 429",
		},
		{
			name:      "bare 403",
			resp:      htmlResponse(403, `<html><body>nope</body></html>`),
			blocked:   true,
			signature: "forbidden",
		},
		{
			name:      "403 with cloudflare challenge",
			resp:      htmlResponse(403, `<html><head><title>Just a moment...</title></head><body><form id="challenge-form"></form></body></html>`),
			blocked:   true,
			signature: "cloudflare",
		},
		{
			name: "cf-mitigated header",
			resp: func() Response {
				r := htmlResponse(503, ``)
				r.Header.Set("cf-mitigated", "challenge")
				return r
			}(),
			blocked:   true,
			signature: "cf-mitigated",
		},
		{
			name:      "cloudflare title on 503",
			resp:      htmlResponse(503, `<html><head><title>Attention Required! | Cloudflare</title></head><body></body></html>`),
			blocked:   true,
			signature: "cloudflare",
		},
		{
			name:      "perimeterx",
			resp:      htmlResponse(200, `<html><body><div id="px-captcha"></div></body></html>`),
			blocked:   true,
			signature: "perimeterx",
		},
		{
			name:      "recaptcha widget",
			resp:      htmlResponse(200, `<html><body><div class="g-recaptcha" data-sitekey="x"></div></body></html>`),
			blocked:   true,
			signature: "captcha",
		},
		{
			name:      "captcha iframe",
			resp:      htmlResponse(200, `<html><body><iframe src="https://example.net/captcha/v2"></iframe></body></html>`),
			blocked:   true,
			signature: "captcha",
		},
		{
			name:      "russian deny title",
			resp:      htmlResponse(200, `<html><head><title>Доступ ограничен</title></head><body></body></html>`),
			blocked:   true,
			signature: "access-denied",
		},
		{
			name:      "keyword on error page",
			resp:      htmlResponse(503, `<html><body><p>Too Many Requests, slow down</p></body></html>`),
			blocked:   true,
			signature: "keywords",
		},
		{
			name:    "keyword on success page is ignored",
			resp:    htmlResponse(200, `<html><body><p>We use captcha on the login form.</p></body></html>`),
			blocked: false,
		},
		{
			name:    "plain 500",
			resp:    htmlResponse(500, `<html><body>Internal Server Error</body></html>`),
			blocked: false,
		},
		{
			name:    "404 is not a block",
			resp:    htmlResponse(404, `<html><head><title>Not Found</title></head></html>`),
			blocked: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Classify(tt.resp)
			assert.Equal(t, tt.blocked, v.Blocked)
			assert.Equal(t, tt.signature, v.Signature)
		})
	}
}

func TestClassify_NilHeader(t *testing.T) {
	c := NewDefaultClassifier(Options{}, testLogger())
	v := c.Classify(Response{StatusCode: 200, Body: []byte(`<title>Just a moment...</title>`)})
	assert.True(t, v.Blocked)
	assert.Equal(t, "cloudflare", v.Signature)
}

func TestClassify_DecodesLegacyCharset(t *testing.T) {
	encoded, err := charmap.Windows1251.NewEncoder().String(`<html><head><title>Проверка безопасности</title></head></html>`)
	assert.NoError(t, err)

	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=windows-1251")
	c := NewDefaultClassifier(Options{}, testLogger())

	v := c.Classify(Response{StatusCode: 200, Header: h, Body: []byte(encoded)})
	assert.True(t, v.Blocked)
	assert.Equal(t, "access-denied", v.Signature)
}

func TestClassify_Options(t *testing.T) {
	c := NewDefaultClassifier(Options{
		ExtraKeywords:      []string{"  Bot Check  "},
		ExtraSelectors:     []string{"#shield", " "},
		TitlePatterns:      []*regexp.Regexp{regexp.MustCompile(`(?i)^verifying`)},
		BlockedStatusCodes: []int{418},
	}, testLogger())

	assert.Equal(t, Verdict{Blocked: true, Signature: "status 418"}, c.Classify(htmlResponse(418, "")))
	assert.Equal(t, "custom-selector", c.Classify(htmlResponse(200, `<div id="shield"></div>`)).Signature)
	assert.Equal(t, "custom-keyword", c.Classify(htmlResponse(503, `<p>bot check in progress</p>`)).Signature)
	assert.False(t, c.Classify(htmlResponse(200, `<p>bot check in progress</p>`)).Blocked)
	assert.Equal(t, "title-pattern", c.Classify(htmlResponse(200, `<title>Verifying you are human</title>`)).Signature)
}

func TestClassify_TruncatesLargeBodies(t *testing.T) {
	c := NewDefaultClassifier(Options{}, testLogger())
	body := "<html><body>" + strings.Repeat("a", MaxBodyBytes) + `<div id="px-captcha"></div></body></html>`
	assert.False(t, c.Classify(htmlResponse(200, body)).Blocked)
}

func TestDefaultSignaturesIsCopy(t *testing.T) {
	sigs := DefaultSignatures()
	sigs[0].Name = "mutated"
	assert.Equal(t, "cloudflare", DefaultSignatures()[0].Name)
}
