package exec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codecollab/internal/models"
)

func TestHTTPExecutorSuccess(t *testing.T) {
	var got executeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/execute" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(executeResponse{Output: "hi\n", ExitCode: 0})
	}))
	defer server.Close()

	ex := NewHTTPExecutor(server.URL+"/", time.Second)
	res, err := ex.Run(context.Background(), models.LangPython, "print('hi')")
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.Stdout != "hi\n" || res.Exit != 0 || res.TimedOut {
		t.Fatalf("unexpected result: %#v", res)
	}
	if got.Language != "python" || got.Code != "print('hi')" {
		t.Fatalf("unexpected request: %#v", got)
	}
}

func TestHTTPExecutorErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "engine down", status: http.StatusServiceUnavailable, body: `{}`, wantErr: ErrUnavailable},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"no such language"}`},
		{name: "invalid json", status: http.StatusOK, body: `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPExecutor(server.URL, time.Second).Run(context.Background(), models.LangGo, "package main")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHTTPExecutorUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPExecutor(url, time.Second).Run(context.Background(), models.LangPython, "x")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	_, err := NewHTTPExecutor("http://127.0.0.1:0", time.Second).Run(context.Background(), models.Language("cobol"), "x")
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("expected unsupported language, got %v", err)
	}
}

func TestLangSpecsCoverEveryLanguage(t *testing.T) {
	for _, lang := range []models.Language{
		models.LangJavaScript, models.LangTypeScript, models.LangPython,
		models.LangJava, models.LangCPP, models.LangGo,
	} {
		spec, err := specFor(lang)
		if err != nil {
			t.Fatalf("%s: %v", lang, err)
		}
		if spec.image == "" || spec.fileName == "" || len(spec.cmds) == 0 {
			t.Fatalf("%s: incomplete spec %#v", lang, spec)
		}
	}
}

func TestLimitsDefaults(t *testing.T) {
	l := Limits{}.withDefaults()
	if l.WallTime != 10*time.Second || l.MemoryB != 512*1024*1024 || l.NanoCPUs != 1_000_000_000 {
		t.Fatalf("unexpected defaults: %#v", l)
	}
	l = Limits{WallTime: time.Second}.withDefaults()
	if l.WallTime != time.Second {
		t.Fatalf("explicit wall time overwritten: %v", l.WallTime)
	}
}

func TestDisabled(t *testing.T) {
	if _, err := (Disabled{}).Run(context.Background(), models.LangGo, ""); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}
