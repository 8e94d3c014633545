package bundle

import (
	"context"
	_ "crypto/sha256"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"

	"github.com/animus-labs/omicsflow/internal/domain"
)

// DefaultMaxBundleBytes is the inline definition archive limit of the service.
const DefaultMaxBundleBytes int64 = 4 * 1024 * 1024

type Options struct {
	// MaxBundleBytes caps the aggregate entry size; zero disables the check.
	MaxBundleBytes int64
}

func DefaultOptions() Options {
	return Options{MaxBundleBytes: DefaultMaxBundleBytes}
}

type node struct {
	entry   domain.BundleEntry
	imports []string
}

// Validate checks the packaging invariants of a bundle. It never reads file
// contents and keeps no state between calls. The context is checked between
// entries and graph nodes; a cancelled pass returns ctx.Err().
func Validate(ctx context.Context, entries []domain.BundleEntry, opts Options) (Report, error) {
	report := Report{EntryCount: len(entries), Issues: []Issue{}, Containers: []string{}}

	nodes := make(map[string]*node, len(entries))
	folded := make(map[string]string, len(entries))
	containers := make(map[string]struct{})
	var rootEntrypoints, nestedEntrypoints []string
	saturated := false

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}

		p, ok := normalizePath(entry.RelativePath)
		if !ok {
			report.Issues = append(report.Issues, Issue{
				Kind:   IssueInvalidPath,
				Path:   entry.RelativePath,
				Detail: "path must be relative and stay inside the bundle root",
			})
			continue
		}
		if !entry.Role.Valid() {
			report.Issues = append(report.Issues, Issue{Kind: IssueInvalidEntry, Path: p, Detail: fmt.Sprintf("unknown role %q", entry.Role)})
			continue
		}
		if entry.SizeBytes < 0 {
			report.Issues = append(report.Issues, Issue{Kind: IssueInvalidEntry, Path: p, Detail: "size must not be negative"})
			continue
		}

		key := strings.ToLower(p)
		if first, exists := folded[key]; exists {
			report.Issues = append(report.Issues, Issue{
				Kind:    IssuePathCollision,
				Path:    p,
				Detail:  "entries normalize to the same path on case-insensitive filesystems",
				Related: []string{first},
			})
			continue
		}
		folded[key] = p

		if entry.SizeBytes > math.MaxInt64-report.TotalBytes {
			report.TotalBytes = math.MaxInt64
			saturated = true
		} else {
			report.TotalBytes += entry.SizeBytes
		}
		nodes[p] = &node{entry: entries[i], imports: entry.Imports}

		if entry.Role == domain.RoleEntrypoint {
			if strings.Contains(p, "/") {
				nestedEntrypoints = append(nestedEntrypoints, p)
			} else {
				rootEntrypoints = append(rootEntrypoints, p)
			}
		}
		for _, ref := range entry.Containers {
			ref = strings.TrimSpace(ref)
			if ref != "" {
				containers[ref] = struct{}{}
			}
		}
	}

	sort.Strings(rootEntrypoints)
	sort.Strings(nestedEntrypoints)
	for _, p := range nestedEntrypoints {
		report.Issues = append(report.Issues, Issue{Kind: IssueEntrypointNotAtRoot, Path: p, Detail: "entrypoint must be at the archive root"})
	}
	switch len(rootEntrypoints) {
	case 0:
		report.Issues = append(report.Issues, Issue{Kind: IssueMissingEntrypoint, Detail: "no entrypoint at the archive root"})
	case 1:
		report.Entrypoint = rootEntrypoints[0]
	default:
		report.Issues = append(report.Issues, Issue{
			Kind:    IssueMultipleEntrypoints,
			Detail:  fmt.Sprintf("%d entrypoints at the archive root", len(rootEntrypoints)),
			Related: rootEntrypoints,
		})
	}

	// A saturated total means the true sum does not fit in an int64.
	if opts.MaxBundleBytes > 0 && (saturated || report.TotalBytes > opts.MaxBundleBytes) {
		size := humanize.IBytes(uint64(report.TotalBytes))
		if saturated {
			size = "over " + size
		}
		report.Issues = append(report.Issues, Issue{
			Kind:   IssueOversizedBundle,
			Detail: fmt.Sprintf("aggregate size %s exceeds limit %s", size, humanize.IBytes(uint64(opts.MaxBundleBytes))),
		})
	}

	roots := rootEntrypoints
	if len(roots) == 0 {
		roots = nestedEntrypoints
	}
	graphIssues, err := walkImports(ctx, nodes, folded, roots)
	if err != nil {
		return Report{}, err
	}
	report.Issues = append(report.Issues, graphIssues...)

	for ref := range containers {
		report.Containers = append(report.Containers, ref)
	}
	sort.Strings(report.Containers)
	sortIssues(report.Issues)
	report.Digest = bundleDigest(nodes)
	return report, nil
}

// walkImports follows declared imports from roots with a depth-first search.
// A back edge to a node still on the recursion stack is a cycle.
func walkImports(ctx context.Context, nodes map[string]*node, folded map[string]string, roots []string) ([]Issue, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	var stack []string
	var issues []Issue
	seenCycles := make(map[string]struct{})
	seenMissing := make(map[string]struct{})

	var visit func(string) error
	visit = func(p string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		state[p] = visiting
		stack = append(stack, p)

		n := nodes[p]
		for _, raw := range n.imports {
			target, detail := resolveImport(p, raw)
			if target == "" {
				key := p + "\x00" + raw
				if _, ok := seenMissing[key]; !ok {
					seenMissing[key] = struct{}{}
					issues = append(issues, Issue{Kind: IssueUnresolvedImport, Path: p, Detail: fmt.Sprintf("%s: %s", raw, detail)})
				}
				continue
			}
			if _, ok := nodes[target]; !ok {
				key := p + "\x00" + target
				if _, seen := seenMissing[key]; seen {
					continue
				}
				seenMissing[key] = struct{}{}
				detail := target + " is not in the bundle"
				if actual, ok := folded[strings.ToLower(target)]; ok {
					detail += "; did you mean " + strconv.Quote(actual)
				}
				issues = append(issues, Issue{Kind: IssueUnresolvedImport, Path: p, Detail: detail})
				continue
			}
			switch state[target] {
			case visiting:
				start := indexOf(stack, target)
				cycle := append(append([]string{}, stack[start:]...), target)
				key := p + "\x00" + target
				if _, ok := seenCycles[key]; !ok {
					seenCycles[key] = struct{}{}
					issues = append(issues, Issue{
						Kind:    IssueCircularImport,
						Path:    target,
						Detail:  strings.Join(cycle, " -> "),
						Related: cycle[:len(cycle)-1],
					})
				}
			case unvisited:
				if err := visit(target); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[p] = done
		return nil
	}

	for _, root := range roots {
		if _, ok := nodes[root]; !ok || state[root] != unvisited {
			continue
		}
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	return issues, nil
}

// resolveImport maps an import declared in from to a bundle path. An empty
// result carries the reason the import cannot be packaged.
func resolveImport(from, raw string) (string, string) {
	imp := strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	if imp == "" {
		return "", "empty import path"
	}
	if strings.Contains(imp, "://") {
		return "", "remote imports are not packaged with the bundle"
	}
	if strings.HasPrefix(imp, "/") {
		return "", "absolute import path"
	}
	target := path.Join(path.Dir(from), imp)
	if target == ".." || strings.HasPrefix(target, "../") {
		return "", "import escapes the bundle root"
	}
	return target, ""
}

func normalizePath(raw string) (string, bool) {
	p := strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

func bundleDigest(nodes map[string]*node) digest.Digest {
	paths := make([]string, 0, len(nodes))
	for p := range nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	digester := digest.Canonical.Digester()
	h := digester.Hash()
	for _, p := range paths {
		e := nodes[p].entry
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s\n", p, e.Role, e.SizeBytes, e.ContentDigest)
	}
	return digester.Digest()
}

func indexOf(values []string, target string) int {
	for i, v := range values {
		if v == target {
			return i
		}
	}
	return 0
}
