package strategy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Sriram-PR/redirect-finder/pkg/config"
	"github.com/Sriram-PR/redirect-finder/pkg/detect"
	"github.com/Sriram-PR/redirect-finder/pkg/fetch"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/security"
)

func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/middle", http.StatusMovedPermanently) })
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/end", http.StatusFound) })
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html><title>Landing</title><body>welcome</body></html>")
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "gone", http.StatusGone) })
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-mitigated", "challenge")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "<html><title>Just a moment...</title></html>")
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/loop2", http.StatusFound) })
	mux.HandleFunc("/loop2", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/loop", http.StatusFound) })
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/", http.StatusFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	})
	mux.HandleFunc("/ua", func(w http.ResponseWriter, r *http.Request) {
		if r.UserAgent() != "redirect-finder-test" {
			http.Error(w, "bad agent", http.StatusTeapot)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestHTTPClientStrategy() *HTTPClientStrategy {
	log := testLogger()
	guard := security.NewValidator(security.WithAllowedHosts([]string{"127.0.0.1"}))
	client := fetch.NewClient(config.HTTPClientConfig{}, guard, fetch.StaticResolver{}, nil, log)
	return NewHTTPClientStrategy(client, guard, detect.NewDefaultClassifier(detect.Options{}, log), "redirect-finder-test", 0, log)
}

func TestHTTPClient_FollowsChain(t *testing.T) {
	srv := siteServer(t)
	res := newTestHTTPClientStrategy().Resolve(context.Background(), srv.URL+"/start", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusRedirect, res.Status, res.ErrorMessage)
	assert.Equal(t, srv.URL+"/end", res.FinalURL)
	assert.Equal(t, 2, res.RedirectCount)
	assert.Equal(t, http.StatusMovedPermanently, res.HTTPCode)
	assert.Equal(t, NameHTTPClient, res.StrategyName)
}

func TestHTTPClient_Statuses(t *testing.T) {
	srv := siteServer(t)
	s := newTestHTTPClientStrategy()

	tests := []struct {
		path     string
		want     models.PageStatus
		wantCode int
	}{
		{path: "/end", want: models.PageStatusOK, wantCode: 200},
		{path: "/gone", want: models.PageStatusNotFound, wantCode: 410},
		{path: "/challenge", want: models.PageStatusBlocked, wantCode: 403},
		{path: "/ua", want: models.PageStatusOK, wantCode: 200},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res := s.Resolve(context.Background(), srv.URL+tt.path, 5, 5*time.Second)
			assert.Equal(t, tt.want, res.Status, res.ErrorMessage)
			assert.Equal(t, tt.wantCode, res.HTTPCode)
		})
	}
}

func TestHTTPClient_TooManyRedirects(t *testing.T) {
	srv := siteServer(t)
	res := newTestHTTPClientStrategy().Resolve(context.Background(), srv.URL+"/start", 1, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "too many redirects")
	assert.Equal(t, 1, res.RedirectCount)
	assert.Equal(t, srv.URL+"/middle", res.FinalURL)
}

func TestHTTPClient_Loop(t *testing.T) {
	srv := siteServer(t)
	res := newTestHTTPClientStrategy().Resolve(context.Background(), srv.URL+"/loop", 10, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "redirect loop")
}

func TestHTTPClient_RedirectToMetadataRejected(t *testing.T) {
	srv := siteServer(t)
	res := newTestHTTPClientStrategy().Resolve(context.Background(), srv.URL+"/metadata", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "cloud metadata address")
	assert.Zero(t, res.RedirectCount)
}

func TestHTTPClient_RejectsBeforeRequest(t *testing.T) {
	res := newTestHTTPClientStrategy().Resolve(context.Background(), "ftp://files.example/", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Equal(t, "ftp://files.example/", res.FinalURL)
	assert.Contains(t, res.ErrorMessage, "scheme")
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := siteServer(t)
	res := newTestHTTPClientStrategy().Resolve(context.Background(), srv.URL+"/slow", 5, 200*time.Millisecond)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "timeout")
}
