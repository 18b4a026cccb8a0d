package internal

import (
	"bytes"
	"go/format"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const modulePath = "github.com/sebyx07/claude-task-master-py-sub000"

// projectRoot returns the module root whether the test runs from internal/
// or from the root itself.
func projectRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if filepath.Base(wd) == "internal" {
		return filepath.Dir(wd)
	}
	return wd
}

// goFiles walks internal/ and cmd/ and returns every Go source path.
func goFiles(t *testing.T) []string {
	t.Helper()
	root := projectRoot(t)
	var files []string
	for _, dir := range []string{"internal", "cmd"} {
		err := filepath.WalkDir(filepath.Join(root, dir), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && strings.HasPrefix(d.Name(), "_") {
				return filepath.SkipDir
			}
			if !d.IsDir() && strings.HasSuffix(path, ".go") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			t.Fatalf("failed to walk %s: %v", dir, err)
		}
	}
	return files
}

// TestGofmtCompliance fails when a source file is not gofmt-clean.
// Fix with: gofmt -w ./internal/ ./cmd/
func TestGofmtCompliance(t *testing.T) {
	root := projectRoot(t)
	var unformatted []string
	for _, path := range goFiles(t) {
		src, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read %s: %v", path, err)
		}
		formatted, err := format.Source(src)
		if err != nil {
			t.Errorf("failed to format %s: %v", path, err)
			continue
		}
		if !bytes.Equal(src, formatted) {
			rel, _ := filepath.Rel(root, path)
			unformatted = append(unformatted, rel)
		}
	}
	if len(unformatted) > 0 {
		t.Errorf("files not gofmt-clean (run gofmt -w ./internal/ ./cmd/):\n  %s", strings.Join(unformatted, "\n  "))
	}
}

// TestLayering keeps the library packages independent of the CLI.
func TestLayering(t *testing.T) {
	cliPkg := modulePath + "/internal/cmd"
	fset := token.NewFileSet()
	for _, path := range goFiles(t) {
		dir := filepath.ToSlash(filepath.Dir(path))
		if strings.HasSuffix(dir, "/internal/cmd") || strings.Contains(dir, "/cmd/") {
			continue
		}
		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", path, err)
		}
		for _, imp := range f.Imports {
			p, _ := strconv.Unquote(imp.Path.Value)
			if p == cliPkg {
				t.Errorf("%s imports the CLI package", path)
			}
		}
	}
}
