package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestGet_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\x00asm"))
	}))
	defer srv.Close()

	body, err := New(Options{}).Get(context.Background(), srv.URL+"/ruby.wasm")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if string(body) != "\x00asm" {
		t.Errorf("body = %q", body)
	}
}

func TestGet_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := New(Options{}).Get(context.Background(), srv.URL+"/missing")
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("Get() = %v, want *StatusError", err)
	}
	if serr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", serr.StatusCode)
	}
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(Options{RetryCount: 3, RetryWait: time.Millisecond})
	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if string(body) != "ok" || calls.Load() != 3 {
		t.Errorf("body = %q after %d calls", body, calls.Load())
	}
}

func TestResource_BaseURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("class CalculatorTest; end"))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/static/"})
	if _, err := c.Resource(context.Background(), "harness/calculator_test.rb"); err != nil {
		t.Fatalf("Resource() = %v", err)
	}
	if gotPath != "/static/harness/calculator_test.rb" {
		t.Errorf("requested %q", gotPath)
	}
}

func TestResource_BaseDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "harness"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "harness", "t.rb"), []byte("run_tests"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := New(Options{BaseDir: dir})

	data, err := c.Resource(context.Background(), "harness/t.rb")
	if err != nil || string(data) != "run_tests" {
		t.Fatalf("Resource() = %q, %v", data, err)
	}

	for _, ref := range []string{"../etc/passwd", "/etc/passwd", "harness/../../x", ""} {
		if _, err := c.Resource(context.Background(), ref); err == nil {
			t.Errorf("Resource(%q) succeeded, want error", ref)
		}
	}
	if _, err := c.Resource(context.Background(), "harness/missing.rb"); err == nil {
		t.Error("missing file should fail")
	}
}

func TestIsAbsoluteURL(t *testing.T) {
	tests := map[string]bool{
		"https://cdn.jsdelivr.net/npm/x.wasm": true,
		"http://localhost:8080/h.rb":          true,
		"harness/calculator_test.rb":          false,
		"file:///etc/passwd":                  false,
	}
	for in, want := range tests {
		if got := isAbsoluteURL(in); got != want {
			t.Errorf("isAbsoluteURL(%q) = %v, want %v", in, got, want)
		}
	}
}
