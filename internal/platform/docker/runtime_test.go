package docker

import (
	"archive/tar"
	"io"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/runnerd/internal/domain"
)

func TestDefaultRuntimes(t *testing.T) {
	rts := DefaultRuntimes()
	for _, lang := range []domain.Language{domain.LanguageRust, domain.LanguagePython} {
		rt, ok := rts[lang]
		if assert.True(t, ok, lang.String()) {
			assert.NotEmpty(t, rt.Image)
			assert.True(t, path.IsAbs(rt.Source), rt.Source)
			assert.Contains(t, strings.Join(rt.Command, " "), path.Base(rt.Source))
		}
	}
}

func TestSourceArchive(t *testing.T) {
	rt := Runtime{Source: "/tmp/main.rs"}
	program := "fn main() { println!(\"héllo\"); }\n"

	buf, err := rt.sourceArchive(program)
	require.NoError(t, err)

	tr := tar.NewReader(buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "main.rs", hdr.Name)
	assert.Equal(t, int64(len(program)), hdr.Size)
	body, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, program, string(body))

	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.Positive(t, l.MemoryBytes)
	assert.Positive(t, l.NanoCPUs)
	assert.Positive(t, l.PidsLimit)
}
