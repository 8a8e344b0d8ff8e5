// Package main implements the key-boundary import linter.
//
// Packages that hold or derive key material must not reach the network,
// the caller-facing bridge or telemetry exporters. It scans non-test Go
// files under those packages and reports every forbidden import.
//
// Usage:
//
//	go run ./tools/tcbcheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// boundary lists the packages under pkg/ that handle secrets.
var boundary = []string{
	"canonicalize",
	"channel",
	"handshake",
	"hardening",
	"keyprovider",
	"reason",
	"secretstore",
}

// Forbidden import path fragments for boundary packages.
var forbiddenFragments = []string{
	"helm-signer/pkg/bridge",
	"helm-signer/pkg/transport",
	"helm-signer/pkg/observability",
	"helm-signer/pkg/signer",
	"helm-signer/cmd/",
	"go.opentelemetry.io/",
	"net/http",
	"github.com/redis/",
	"github.com/aws/",
	"cloud.google.com/",
}

type violation struct {
	File   string
	Line   int
	Import string
	Frag   string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.Import, v.Frag)
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "BOUNDARY VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n❌ %d boundary violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "✅ key boundary check passed")
	return 0
}

func check(root string) ([]violation, error) {
	var out []violation
	fset := token.NewFileSet()
	for _, pkg := range boundary {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("boundary package %s: %w", pkg, err)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range forbiddenFragments {
					if strings.Contains(importPath, frag) {
						rel, _ := filepath.Rel(root, path)
						out = append(out, violation{File: rel, Line: fset.Position(imp.Pos()).Line, Import: importPath, Frag: frag})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
