// Package project reads a project's working tree into the markdown form the
// prompts consume.
package project

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is one source file. Code is empty for binary files.
type File struct {
	Path string `json:"file"`
	Code string `json:"code"`
}

var (
	excludedDirs = map[string]bool{
		".git": true, "systemdesign": true, ".idea": true, ".venv": true, "node_modules": true,
		"build": true, "coverage": true, "venv": true, "__pycache__": true,
	}
	excludedFiles = map[string]bool{"LICENSE": true, ".gitignore": true, "favicon.ico": true}
	binaryExts    = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
		".tiff": true, ".ico": true, ".svg": true, ".txt": true,
	}
)

// Slug maps a project name onto its directory name.
func Slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

// Dir returns the working directory of project under root.
func Dir(root, name string) string {
	return filepath.Join(root, Slug(name))
}

// Files lists the project's source files in path order. A missing root
// yields no files. Files that cannot be read are logged and skipped.
func Files(root string, logger *slog.Logger) ([]File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat project dir: %w", err)
	}
	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("skip unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && excludedDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if excludedFiles[d.Name()] || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if binaryExts[strings.ToLower(filepath.Ext(path))] {
			files = append(files, File{Path: rel})
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skip unreadable file", "path", rel, "error", err)
			return nil
		}
		files = append(files, File{Path: rel, Code: strings.ToValidUTF8(string(b), "")})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Markdown renders files as a ~~~ block of "File: `path`:" fenced sections.
func Markdown(files []File) string {
	parts := make([]string, 0, len(files))
	for _, f := range files {
		parts = append(parts, fmt.Sprintf("File: `%s`:\n```\n%s\n```", f.Path, f.Code))
	}
	return "~~~\n" + strings.Join(parts, "\n") + "\n~~~"
}

// CodeMarkdown is Files followed by Markdown.
func CodeMarkdown(root string, logger *slog.Logger) (string, error) {
	files, err := Files(root, logger)
	if err != nil {
		return "", err
	}
	return Markdown(files), nil
}
