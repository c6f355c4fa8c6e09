//go:build integration

package arch_test

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// forbiddenPrefixes may never be reachable from internal/core, directly or
// transitively. Keep the list short, explicit, and reviewed.
var forbiddenPrefixes = []string{
	"google.golang.org/grpc",
	"github.com/spiffe",
	"github.com/hashicorp/vault",
	"github.com/jackc/pgx",
	"go.etcd.io/bbolt",
	"github.com/prometheus",
	"github.com/spf13",
}

const modulePath = "github.com/sufield/rotor"

type importChecker struct {
	forbidden  []string
	adapters   string
	violations map[string][]string
	chains     map[string][]string
	seen       map[string]bool
}

func (ic *importChecker) walk(owner string, p *packages.Package, chain []string) {
	for path, imp := range p.Imports {
		key := owner + " -> " + path
		if ic.seen[key] {
			continue
		}
		ic.seen[key] = true

		next := append(append([]string(nil), chain...), path)
		if ic.violates(path) {
			ic.violations[path] = append(ic.violations[path], owner)
			if _, ok := ic.chains[path]; !ok {
				ic.chains[path] = next
			}
		}
		if imp != nil && len(next) < 10 {
			ic.walk(path, imp, next)
		}
	}
}

func (ic *importChecker) violates(path string) bool {
	if strings.HasPrefix(path, ic.adapters) {
		return true
	}
	for _, prefix := range ic.forbidden {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func (ic *importChecker) report() string {
	var b strings.Builder
	b.WriteString("Import boundary violated:\n")
	paths := make([]string, 0, len(ic.violations))
	for p := range ic.violations {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		b.WriteString("  - " + p + "\n    via: " + strings.Join(ic.chains[p], " -> ") + "\n")
	}
	b.WriteString("\nRemediation:\n  - Move library usage behind a port implemented in internal/adapters.\n")
	return b.String()
}

func TestCoreDependencyBoundary(t *testing.T) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps | packages.NeedModule,
		Dir:  "../..",
	}
	pkgs, err := packages.Load(cfg, modulePath+"/internal/core/...")
	if err != nil {
		t.Fatalf("packages.Load: %v", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		t.Fatalf("failed to load some core packages")
	}
	if len(pkgs) == 0 {
		t.Fatalf("no core packages found")
	}

	ic := &importChecker{
		forbidden:  forbiddenPrefixes,
		adapters:   modulePath + "/internal/adapters",
		violations: map[string][]string{},
		chains:     map[string][]string{},
		seen:       map[string]bool{},
	}
	for _, p := range pkgs {
		ic.walk(p.PkgPath, p, []string{p.PkgPath})
	}

	if len(ic.violations) > 0 {
		t.Fatal(ic.report())
	}
}
