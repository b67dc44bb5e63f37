// Package search indexes markdown documentation and answers knowledge-base
// queries for the lookup tool.
package search

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

// DocStore persists indexed sections.
type DocStore interface {
	ReplaceDocSections(ctx context.Context, filePath string, sections []model.DocSection) error
	ListDocSections(ctx context.Context) ([]model.DocSection, error)
}

// ImportStats summarizes an import run.
type ImportStats struct {
	Files    int `json:"files"`
	Sections int `json:"sections"`
	Skipped  int `json:"skipped"`
}

// Indexer loads markdown files into the store.
type Indexer struct {
	store    DocStore
	embedder llm.Embedder
	log      *logger.Logger
}

// NewIndexer creates an Indexer. embedder may be nil, in which case sections
// are stored without vectors and searched by keyword.
func NewIndexer(store DocStore, embedder llm.Embedder, log *logger.Logger) *Indexer {
	if log == nil {
		log = logger.Global()
	}
	return &Indexer{store: store, embedder: embedder, log: log}
}

// ImportDir indexes every markdown (.md, .mdx) and HTML (.html, .htm) file
// under dir. Stored paths are relative to dir with forward slashes.
func (ix *Indexer) ImportDir(ctx context.Context, dir string) (ImportStats, error) {
	var stats ImportStats
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexable(path) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("search: read %s: %w", path, err)
		}
		n, skipped, err := ix.ImportFile(ctx, filepath.ToSlash(rel), source)
		if err != nil {
			return err
		}
		stats.Files++
		stats.Sections += n
		stats.Skipped += skipped
		return nil
	})
	if err != nil {
		return stats, err
	}
	ix.log.Info("knowledge base imported",
		zap.String("dir", dir),
		zap.Int("files", stats.Files),
		zap.Int("sections", stats.Sections),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// ImportFile indexes one document under filePath, replacing any sections
// stored for it before. HTML documents are reduced to their readable article
// text and stored as a single section.
func (ix *Indexer) ImportFile(ctx context.Context, filePath string, source []byte) (int, int, error) {
	var (
		sections []section
		skipped  int
	)
	if isHTML(filePath) {
		sec, err := htmlSection(filePath, source)
		if err != nil {
			return 0, 0, err
		}
		if sec != nil {
			sections = append(sections, *sec)
		}
	} else {
		for _, sec := range splitSections(source) {
			if sec.headingOnly() {
				skipped++
				continue
			}
			sections = append(sections, sec)
		}
	}

	docs := make([]model.DocSection, 0, len(sections))
	for _, sec := range sections {
		docs = append(docs, model.DocSection{
			FilePath: filePath,
			Section:  sec.Index,
			Heading:  sec.Heading,
			Text:     sec.Text,
		})
	}

	if ix.embedder != nil && len(docs) > 0 {
		texts := make([]string, len(docs))
		for i := range docs {
			texts[i] = docs[i].Text
		}
		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, 0, fmt.Errorf("search: embed %s: %w", filePath, err)
		}
		if len(vectors) != len(docs) {
			return 0, 0, fmt.Errorf("search: embed %s: got %d vectors for %d sections", filePath, len(vectors), len(docs))
		}
		for i := range docs {
			docs[i].Embedding = vectors[i]
		}
	}

	if err := ix.store.ReplaceDocSections(ctx, filePath, docs); err != nil {
		return 0, 0, err
	}
	return len(docs), skipped, nil
}

func indexable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".mdx", ".html", ".htm":
		return true
	}
	return false
}

func isHTML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".html" || ext == ".htm"
}
