package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tutorbot/tutorbot/internal/config"
	"github.com/tutorbot/tutorbot/internal/email"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: tutorbot") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"--bogus", "serve"}, "unknown flag"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/tutorbot.yaml", "check"}, "config file not found"},
		{[]string{"ask", "-class", "bio"}, "usage: tutorbot ask"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := run(context.Background(), &out, &out, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) error = %v, want %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "version:") {
		t.Errorf("text version output:\n%s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("version info = %v", info)
	}
}

func TestParseAskArgs(t *testing.T) {
	a, err := parseAskArgs([]string{"-class", "bio", "why", "-lesson", "cells.txt", "do", "-plan", "socratic.txt", "cells", "divide?"})
	if err != nil {
		t.Fatal(err)
	}
	want := askArgs{class: "bio", lesson: "cells.txt", plan: "socratic.txt", question: "why do cells divide?"}
	if a != want {
		t.Errorf("parseAskArgs = %+v, want %+v", a, want)
	}

	if _, err := parseAskArgs([]string{"-class"}); err == nil {
		t.Error("flag without value should fail")
	}
	if _, err := parseAskArgs([]string{"-class", "bio", "-lesson", "l", "-plan", "p"}); err == nil {
		t.Error("missing question should fail")
	}
}

// writeConfig writes a minimal config pointing at an ollama endpoint and
// a class tree under dir.
func writeConfig(t *testing.T, dir, ollamaURL string) string {
	t.Helper()
	class := filepath.Join(dir, "classes", "bio")
	for _, sub := range []string{"conundrums", "actionplans", "ssrcontent"} {
		if err := os.MkdirAll(filepath.Join(class, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		"scenario.txt":             "You tutor first-year biology.",
		"conundrums/cells.txt":     "Why do cells divide?",
		"actionplans/socratic.txt": "Answer with questions.",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(class, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := "log_level: warn\n" +
		"data_dir: " + filepath.Join(dir, "data") + "\n" +
		"model:\n  provider: ollama\n  name: llama\n  base_url: " + ollamaURL + "\n" +
		"storage:\n  backend: local\n  root: " + dir + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Check(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "http://localhost:11434")

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", path, "check"}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "OK") {
		t.Errorf("check output:\n%s", out.String())
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("model:\n  provider: mystery\n"), 0o600)
	if err := run(context.Background(), &out, &out, []string{"-config=" + bad, "check"}); err == nil {
		t.Error("unknown provider should fail validation")
	}
}

func TestRun_Ask(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, m := range req.Messages {
			prompt += m.Content
		}
		w.Write([]byte(`{"model":"llama","message":{"role":"assistant","content":"Cells divide to grow."},"done":true,"prompt_eval_count":30,"eval_count":6}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, srv.URL)

	var stdout, stderr bytes.Buffer
	args := []string{"-config", path, "ask", "-class", "bio", "-lesson", "cells.txt", "-plan", "socratic.txt", "why", "divide?"}
	if err := run(context.Background(), &stdout, &stderr, args); err != nil {
		t.Fatalf("ask: %v\n%s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Cells divide to grow.") {
		t.Errorf("ask output = %q", stdout.String())
	}
	for _, want := range []string{"Why do cells divide?", "Answer with questions.", "why divide?"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	args = []string{"-config", path, "ask", "-class", "bio", "-lesson", "missing.txt", "-plan", "socratic.txt", "hi"}
	if err := run(context.Background(), &stdout, &stderr, args); err == nil {
		t.Error("missing lesson should fail")
	}
}

func TestNewEmailSender(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	cfg := config.Default()
	if s := newEmailSender(cfg, logger); s != nil {
		t.Errorf("disabled email returned %T", s)
	}

	cfg.Email.Enabled = true
	cfg.Email.Transport = "smtp"
	cfg.Email.SMTP.Host = "smtp.example.edu"
	if _, ok := newEmailSender(cfg, logger).(*email.SMTP); !ok {
		t.Error("smtp transport did not return an SMTP sender")
	}

	cfg.Email.Transport = "mailgun"
	if _, ok := newEmailSender(cfg, logger).(*email.Mailgun); !ok {
		t.Error("mailgun transport did not return a Mailgun sender")
	}
}
