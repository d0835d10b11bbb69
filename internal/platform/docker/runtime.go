package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"path"

	"github.com/dontdude/runnerd/internal/domain"
)

// Runtime describes how one language is compiled and run inside a container.
type Runtime struct {
	Image string
	// Source is the absolute path the program is written to before start.
	// Its directory must exist in Image.
	Source  string
	Command []string
}

// DefaultRuntimes maps every supported language to its toolchain image.
func DefaultRuntimes() map[domain.Language]Runtime {
	return map[domain.Language]Runtime{
		domain.LanguageRust: {
			Image:   "rust:1-slim",
			Source:  "/tmp/main.rs",
			Command: []string{"sh", "-c", "cd /tmp && rustc -O -o main main.rs && ./main"},
		},
		domain.LanguagePython: {
			Image:   "python:3.12-alpine",
			Source:  "/tmp/main.py",
			Command: []string{"python3", "/tmp/main.py"},
		},
	}
}

// sourceArchive packs program as the single file rt.Source, for extraction
// into the directory of rt.Source.
func (rt Runtime) sourceArchive(program string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     path.Base(rt.Source),
		Mode:     0o644,
		Size:     int64(len(program)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(program)); err != nil {
		return nil, fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return &buf, nil
}
