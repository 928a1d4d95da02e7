package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tutorbot/tutorbot/examples"
)

// runInit initializes a TutorBot working directory with default files.
// It creates the directory layout the example config points at and
// writes the bundled config, access key file and email template.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing TutorBot workspace in %s\n", dir)

	for _, sub := range []string{"data", "config", "static", "ssrcontent"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		path    string
		content []byte
		mode    os.FileMode
	}{
		// config.yaml and the key file may hold secrets.
		{filepath.Join(dir, "config.yaml"), examples.ConfigYAML, 0o600},
		{filepath.Join(dir, "config", "access_keys.txt"), examples.AccessKeysTXT, 0o600},
		{filepath.Join(dir, "static", "conversation-email-template.html"), examples.EmailTemplateHTML, 0o644},
	}
	for _, f := range files {
		if err := writeIfMissing(w, f.path, f.content, f.mode); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then add one directory per class under ssrcontent/.")
	return nil
}

// writeIfMissing writes content to path with the given mode only if the
// file does not already exist, reporting what it did to w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
