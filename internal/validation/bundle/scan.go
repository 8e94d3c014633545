package bundle

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/animus-labs/omicsflow/internal/domain"
)

// ImportScanner extracts declared imports and container identifiers from a
// workflow definition file. Implementations match structure only and never
// evaluate the workflow language.
type ImportScanner interface {
	Scan(name string, r io.Reader) (imports []string, containers []string, err error)
}

var definitionExtensions = map[string]struct{}{
	".wdl": {},
	".nf":  {},
	".cwl": {},
}

// IsDefinitionFile reports whether name carries a workflow definition extension.
func IsDefinitionFile(name string) bool {
	_, ok := definitionExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

var (
	wdlImportPattern       = regexp.MustCompile(`^\s*import\s+"([^"]+)"`)
	wdlContainerPattern    = regexp.MustCompile(`^\s*(?:docker|container)\s*:\s*"([^"]+)"`)
	nfIncludePattern       = regexp.MustCompile(`^\s*include\s*\{[^}]*\}\s*from\s*['"]([^'"]+)['"]`)
	nfContainerPattern     = regexp.MustCompile(`^\s*container\s*[=(]?\s*['"]([^'"]+)['"]`)
	cwlRunPattern          = regexp.MustCompile(`^\s*(?:-\s*)?run\s*:\s*['"]?([^'"\s#{]+)['"]?\s*(?:#.*)?$`)
	cwlImportPattern       = regexp.MustCompile(`\$(?:import|include)\s*:\s*['"]?([^'"\s#}]+)['"]?`)
	cwlDockerPullPattern   = regexp.MustCompile(`^\s*(?:-\s*)?dockerPull\s*:\s*['"]?([^'"\s#]+)['"]?`)
	dynamicContainerMarker = regexp.MustCompile(`[$~{}]`)
)

// LineScanner recognizes WDL import statements, Nextflow include clauses and
// CWL run/$import references, plus docker/container/dockerPull lines.
type LineScanner struct{}

func (LineScanner) Scan(name string, r io.Reader) ([]string, []string, error) {
	ext := strings.ToLower(path.Ext(name))
	var imports, containers []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch ext {
		case ".wdl":
			if m := wdlImportPattern.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			}
			if m := wdlContainerPattern.FindStringSubmatch(line); m != nil {
				containers = appendStatic(containers, m[1])
			}
		case ".nf":
			if m := nfIncludePattern.FindStringSubmatch(line); m != nil {
				imports = append(imports, nextflowModulePath(m[1]))
			}
			if m := nfContainerPattern.FindStringSubmatch(line); m != nil {
				containers = appendStatic(containers, m[1])
			}
		case ".cwl":
			if m := cwlRunPattern.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			}
			if m := cwlImportPattern.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			}
			if m := cwlDockerPullPattern.FindStringSubmatch(line); m != nil {
				containers = appendStatic(containers, m[1])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return imports, containers, nil
}

// Nextflow resolves extension-less includes to the .nf file.
func nextflowModulePath(raw string) string {
	if strings.Contains(raw, "://") || path.Ext(raw) != "" {
		return raw
	}
	return raw + ".nf"
}

// Interpolated container expressions are resolved at run time and cannot be
// rewritten statically.
func appendStatic(containers []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" || dynamicContainerMarker.MatchString(value) {
		return containers
	}
	return append(containers, value)
}

type ScanOptions struct {
	// Entrypoint names the root entrypoint explicitly; empty means detect.
	Entrypoint string
	Scanner    ImportScanner
}

var conventionalEntrypoints = map[string]struct{}{
	"main.wdl": {},
	"main.nf":  {},
	"main.cwl": {},
}

// ScanFS walks a workflow definition tree and builds the entries Validate
// consumes. Hidden directories are skipped. Roles are assigned as follows: an
// explicit entrypoint wins; otherwise a conventional main file at the root;
// otherwise every root definition file, which Validate then reports.
func ScanFS(fsys fs.FS, opts ScanOptions) ([]domain.BundleEntry, error) {
	scanner := opts.Scanner
	if scanner == nil {
		scanner = LineScanner{}
	}

	var entries []domain.BundleEntry
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		entry, err := scanFile(fsys, p, scanner)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan bundle: %w", err)
	}

	assignRoles(entries, opts.Entrypoint)
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })
	return entries, nil
}

func scanFile(fsys fs.FS, p string, scanner ImportScanner) (domain.BundleEntry, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return domain.BundleEntry{}, err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	counter := &countingWriter{}
	tee := io.TeeReader(f, io.MultiWriter(digester.Hash(), counter))

	entry := domain.BundleEntry{RelativePath: p, Role: domain.RoleOther}
	if IsDefinitionFile(p) {
		imports, containers, err := scanner.Scan(p, tee)
		if err != nil {
			return domain.BundleEntry{}, err
		}
		entry.Imports = imports
		entry.Containers = containers
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return domain.BundleEntry{}, fmt.Errorf("read %s: %w", p, err)
	}
	entry.SizeBytes = counter.n
	entry.ContentDigest = digester.Digest().String()
	return entry, nil
}

func assignRoles(entries []domain.BundleEntry, explicit string) {
	explicit = strings.TrimPrefix(path.Clean(strings.TrimSpace(explicit)), "./")
	if explicit == "." {
		explicit = ""
	}

	conventional := false
	for _, e := range entries {
		if _, ok := conventionalEntrypoints[e.RelativePath]; ok {
			conventional = true
			break
		}
	}

	for i := range entries {
		p := entries[i].RelativePath
		if !IsDefinitionFile(p) {
			continue
		}
		atRoot := !strings.Contains(p, "/")
		_, isConventional := conventionalEntrypoints[p]
		switch {
		case explicit != "":
			if p == explicit {
				entries[i].Role = domain.RoleEntrypoint
			} else {
				entries[i].Role = domain.RoleImport
			}
		case conventional && isConventional:
			entries[i].Role = domain.RoleEntrypoint
		case !conventional && atRoot:
			entries[i].Role = domain.RoleEntrypoint
		default:
			entries[i].Role = domain.RoleImport
		}
	}
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
