package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-desk/internal/store"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

const installDoc = `Intro paragraph before any heading.

# Installation

Download the binary and run it.

## Configuration

` + "```bash\n# not a heading\nanubis --policy policy.yaml\n```" + `

## Empty

# Troubleshooting

If Anubis won't start, check the policy file path.
`

// axisEmbedder maps each text onto one axis per keyword.
type axisEmbedder struct {
	words []string
	err   error
}

func (e axisEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		v := make([]float32, len(e.words))
		for j, w := range e.words {
			if strings.Contains(strings.ToLower(in), w) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeDocs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "admin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "admin", "install.md"), []byte(installDoc), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "faq.mdx"), []byte("# FAQ\n\nRestart the service after editing the policy.\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("# ignored"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "README.md"), []byte("# hidden\n\ntext"), 0o600))
	return dir
}

func TestSplitSections(t *testing.T) {
	secs := splitSections([]byte(installDoc))
	require.Len(t, secs, 5)

	assert.Equal(t, "", secs[0].Heading)
	assert.Equal(t, "Intro paragraph before any heading.", secs[0].Text)
	assert.Equal(t, "Installation", secs[1].Heading)
	assert.Equal(t, "Configuration", secs[2].Heading)
	assert.Contains(t, secs[2].Text, "# not a heading")
	assert.Equal(t, "Empty", secs[3].Heading)
	assert.True(t, secs[3].headingOnly())
	assert.Equal(t, 4, secs[4].Index)
	assert.False(t, secs[4].headingOnly())
}

func TestSplitSections_Setext(t *testing.T) {
	secs := splitSections([]byte("Title\n=====\n\nBody text.\n\nOther\n-----\n"))
	require.Len(t, secs, 2)
	assert.Equal(t, "Title", secs[0].Heading)
	assert.False(t, secs[0].headingOnly())
	assert.True(t, secs[1].headingOnly())
}

func TestImportDir(t *testing.T) {
	s := setupStore(t)
	ix := NewIndexer(s, nil, logger.NewNop())

	stats, err := ix.ImportDir(context.Background(), writeDocs(t))
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Files: 2, Sections: 5, Skipped: 1}, stats)

	sections, err := s.ListDocSections(context.Background())
	require.NoError(t, err)
	require.Len(t, sections, 5)
	assert.Equal(t, "admin/install.md", sections[0].FilePath)
	assert.Equal(t, 0, sections[0].Section)
	assert.Equal(t, 4, sections[3].Section)
	assert.Equal(t, "faq.mdx", sections[4].FilePath)
}

func TestSearch_Keyword(t *testing.T) {
	s := setupStore(t)
	_, err := NewIndexer(s, nil, logger.NewNop()).ImportDir(context.Background(), writeDocs(t))
	require.NoError(t, err)

	hits, err := NewSearcher(s, nil, logger.NewNop()).Search(context.Background(), "start policy file", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "admin/install.md", hits[0].FilePath)
	assert.Equal(t, 4, hits[0].Section)

	hits, err = NewSearcher(s, nil, logger.NewNop()).Search(context.Background(), "policy", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = NewSearcher(s, nil, logger.NewNop()).Search(context.Background(), "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_Vector(t *testing.T) {
	s := setupStore(t)
	emb := axisEmbedder{words: []string{"restart", "download", "policy"}}
	_, err := NewIndexer(s, emb, logger.NewNop()).ImportDir(context.Background(), writeDocs(t))
	require.NoError(t, err)

	hits, err := NewSearcher(s, emb, logger.NewNop()).Search(context.Background(), "how do I restart", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "faq.mdx", hits[0].FilePath)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearch_VectorFailureFallsBack(t *testing.T) {
	s := setupStore(t)
	emb := axisEmbedder{words: []string{"restart"}}
	_, err := NewIndexer(s, emb, logger.NewNop()).ImportDir(context.Background(), writeDocs(t))
	require.NoError(t, err)

	broken := axisEmbedder{err: errors.New("ollama offline")}
	hits, err := NewSearcher(s, broken, logger.NewNop()).Search(context.Background(), "download", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].Section)
}

func TestImportFile_EmbedError(t *testing.T) {
	s := setupStore(t)
	ix := NewIndexer(s, axisEmbedder{err: errors.New("boom")}, logger.NewNop())
	_, _, err := ix.ImportFile(context.Background(), "a.md", []byte("# A\n\ntext"))
	assert.ErrorContains(t, err, "boom")
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 1}))
}

const nginxPage = `<!DOCTYPE html>
<html><head><title>Deploying behind nginx</title></head>
<body>
<nav><a href="/">Home</a> <a href="/docs">Docs</a></nav>
<article>
<h1>Deploying behind nginx</h1>
<p>When Anubis runs behind a reverse proxy, the proxy must forward the original client address in the X-Real-IP header so that challenges are issued per visitor and not per proxy.</p>
<p>Set the upstream to the Anubis listener and keep the Host header intact. Without it, cookies are scoped to the wrong domain and the challenge page will loop after every successful solve.</p>
<p>Reload nginx after editing the site configuration and confirm the challenge page loads once before the protected application appears.</p>
</article>
<footer>Copyright</footer>
</body></html>`

func TestImportFile_HTML(t *testing.T) {
	s := setupStore(t)
	ix := NewIndexer(s, nil, logger.NewNop())

	n, skipped, err := ix.ImportFile(context.Background(), "deploy/nginx.html", []byte(nginxPage))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, skipped)

	secs, err := s.ListDocSections(context.Background())
	require.NoError(t, err)
	require.Len(t, secs, 1)
	assert.Equal(t, "deploy/nginx.html", secs[0].FilePath)
	assert.Equal(t, 0, secs[0].Section)
	assert.Equal(t, "Deploying behind nginx", secs[0].Heading)
	assert.Contains(t, secs[0].Text, "reverse proxy")

	hits, err := NewSearcher(s, nil, logger.NewNop()).Search(context.Background(), "reverse proxy header", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "deploy/nginx.html", hits[0].FilePath)
}

func TestIndexable(t *testing.T) {
	assert.True(t, indexable("a/b.md"))
	assert.True(t, indexable("a/B.HTML"))
	assert.False(t, indexable("notes.txt"))
}
