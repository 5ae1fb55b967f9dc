package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }

	tests := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{"no token configured", "", "", "", http.StatusNoContent},
		{"valid bearer", "secret", "Bearer secret", "", http.StatusNoContent},
		{"valid query token", "secret", "", "secret", http.StatusNoContent},
		{"wrong bearer", "secret", "Bearer nope", "", http.StatusUnauthorized},
		{"missing credentials", "secret", "", "", http.StatusUnauthorized},
		{"query beats nothing", "secret", "", "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/agent/runs"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			authMiddleware(tt.token, ok)(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestParseFromSeq(t *testing.T) {
	tests := []struct {
		query string
		want  int64
	}{
		{"", 0},
		{"from_seq=5", 5},
		{"from_seq=abc", 0},
		{"from_seq=-3", 0},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/agent/runs/x/stream?"+tt.query, nil)
		if got := parseFromSeq(req); got != tt.want {
			t.Errorf("parseFromSeq(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestProjectName(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"Fix the login bug", "Fix the login bug"},
		{"  trimmed  ", "trimmed"},
		{"first line\nsecond line", "first line"},
		{strings.Repeat("x", 80), strings.Repeat("x", 60)},
	}
	for _, tt := range tests {
		if got := projectName(tt.prompt); got != tt.want {
			t.Errorf("projectName(%q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestIsImageExt(t *testing.T) {
	for path, want := range map[string]bool{
		"photo.JPG":    true,
		"shot.png":     true,
		"anim.webp":    true,
		"notes.txt":    false,
		"archive.tar":  false,
		"noextension":  false,
		"diagram.jpeg": true,
	} {
		if got := isImageExt(path); got != want {
			t.Errorf("isImageExt(%q) = %v, want %v", path, got, want)
		}
	}
}
