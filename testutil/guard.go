// Package testutil provides helpers for enforcing package boundary rules
// from tests.
package testutil

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// ModulePath is the import path prefix of this module's packages.
const ModulePath = "stancore"

var loadImports = func(pattern string) (map[string][]string, error) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(pkgs))
	for _, p := range pkgs {
		imports := make([]string, 0, len(p.Imports))
		for ip := range p.Imports {
			imports = append(imports, ip)
		}
		sort.Strings(imports)
		out[p.PkgPath] = imports
	}
	return out, nil
}

// AssertImports fails t for every direct import of the packages matching
// pattern that satisfies forbidden. reason is appended to the failure.
func AssertImports(t testing.TB, pattern string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	imports, err := loadImports(pattern)
	if err != nil {
		t.Fatalf("load %s: %v", pattern, err)
	}
	if viols := violations(imports, forbidden); len(viols) > 0 {
		t.Fatalf("forbidden imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}

func violations(imports map[string][]string, forbidden func(string) bool) []string {
	var out []string
	for pkg, list := range imports {
		for _, ip := range list {
			if forbidden(ip) {
				out = append(out, ip+" (in "+pkg+")")
			}
		}
	}
	sort.Strings(out)
	return out
}

// ModuleImportExcept matches module packages other than allowed.
func ModuleImportExcept(allowed ...string) func(string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return func(path string) bool {
		if path != ModulePath && !strings.HasPrefix(path, ModulePath+"/") {
			return false
		}
		_, ok := set[path]
		return !ok
	}
}

// NonStandardImport matches any import outside the standard library.
func NonStandardImport(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return strings.Contains(first, ".") || first == ModulePath
}
