// Command omicsctl validates workflow bundles, resolves container references,
// audits task resources and classifies run failures from the command line.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/animus-labs/omicsflow/internal/diagnostics"
	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/platform/env"
	"github.com/animus-labs/omicsflow/internal/resolver"
	"github.com/animus-labs/omicsflow/internal/validation/bundle"
	"github.com/animus-labs/omicsflow/internal/validation/resources"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

var defaultBounds = domain.ResourceBounds{MinCPU: 2, MaxCPU: 96, MinMemoryGiB: 4, MaxMemoryGiB: 768}

const usage = `usage: omicsctl <command> [flags]

commands:
  validate [-entrypoint file] [-max-bytes size] <dir>
  resolve  -map file [-strict] [-account id] [-region name] image...
  audit    -tasks file [-apply-defaults]
  classify -status code [-class SERVICE|CUSTOMER] [-exit-code n] [-message text]
  deploy   -workflow id -version name [-deployer url] [-token t] <dir>
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	var code int
	var err error
	switch cmd {
	case "validate":
		code, err = runValidate(ctx, rest, stdout)
	case "resolve":
		code, err = runResolve(ctx, rest, stdout)
	case "audit":
		code, err = runAudit(ctx, rest, stdout)
	case "classify":
		code, err = runClassify(rest, stdout)
	case "deploy":
		code, err = runDeploy(ctx, rest, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", cmd, usage)
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(stderr, "omicsctl %s: %v\n", cmd, err)
		var de *domain.Error
		if errors.As(err, &de) {
			for _, d := range de.Details {
				fmt.Fprintf(stderr, "  - %s\n", d)
			}
		}
		if code == exitOK {
			code = exitFailed
		}
	}
	return code
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func runValidate(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := newFlagSet("validate")
	entrypoint := fs.String("entrypoint", "", "entrypoint path relative to the bundle root")
	maxBytes := fs.String("max-bytes", humanize.IBytes(uint64(bundle.DefaultMaxBundleBytes)), "bundle size limit (0 disables)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return exitUsage, usageError(err, "validate needs exactly one directory")
	}
	limit, err := env.ParseBytes(*maxBytes)
	if err != nil {
		return exitUsage, fmt.Errorf("parse -max-bytes: %w", err)
	}

	entries, err := bundle.ScanFS(os.DirFS(fs.Arg(0)), bundle.ScanOptions{Entrypoint: *entrypoint})
	if err != nil {
		return exitFailed, err
	}
	report, err := bundle.Validate(ctx, entries, bundle.Options{MaxBundleBytes: limit})
	if err != nil {
		return exitFailed, err
	}
	if err := writeJSON(stdout, report); err != nil {
		return exitFailed, err
	}
	if !report.OK() {
		return exitFailed, report.Err()
	}
	return exitOK, nil
}

func runResolve(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := newFlagSet("resolve")
	mapFile := fs.String("map", env.String("REGISTRY_MAP_FILE", ""), "registry map document (YAML or JSON)")
	strict := fs.Bool("strict", false, "fail on references no rule matches")
	account := fs.String("account", env.String("TARGET_ACCOUNT_ID", ""), "target registry account id")
	region := fs.String("region", env.String("TARGET_REGION", ""), "target registry region")
	if err := fs.Parse(args); err != nil || *mapFile == "" || fs.NArg() == 0 {
		return exitUsage, usageError(err, "resolve needs -map and at least one image")
	}
	raw, err := os.ReadFile(*mapFile)
	if err != nil {
		return exitFailed, err
	}
	set, err := resolver.LoadMapSet(raw, resolver.Target{AccountID: *account, Region: *region})
	if err != nil {
		return exitFailed, err
	}
	mode := resolver.Permissive
	if *strict {
		mode = resolver.Strict
	}
	resolutions, err := set.ResolveAll(ctx, fs.Args(), mode)
	if werr := writeJSON(stdout, resolutions); werr != nil {
		return exitFailed, werr
	}
	if err != nil {
		return exitFailed, err
	}
	return exitOK, nil
}

type auditOutput struct {
	Bounds          domain.ResourceBounds `json:"bounds"`
	DefaultsApplied []resources.Change    `json:"defaults_applied,omitempty"`
	Findings        resources.Findings    `json:"findings"`
}

func runAudit(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := newFlagSet("audit")
	tasksFile := fs.String("tasks", "", "task resource document (YAML or JSON)")
	applyDefaults := fs.Bool("apply-defaults", false, "fill undeclared fields from the document's defaults before auditing")
	if err := fs.Parse(args); err != nil || *tasksFile == "" || fs.NArg() != 0 {
		return exitUsage, usageError(err, "audit needs -tasks")
	}
	raw, err := os.ReadFile(*tasksFile)
	if err != nil {
		return exitFailed, err
	}
	doc, err := resources.LoadTasksDocument(raw)
	if err != nil {
		return exitFailed, err
	}
	tasks, err := doc.Specs()
	if err != nil {
		return exitFailed, err
	}
	out := auditOutput{Bounds: defaultBounds}
	if doc.Bounds != nil {
		out.Bounds = *doc.Bounds
	}
	if *applyDefaults {
		if doc.Defaults == nil {
			return exitUsage, errors.New("-apply-defaults needs a defaults block in the document")
		}
		tasks, out.DefaultsApplied, err = resources.ApplyDefaults(tasks, *doc.Defaults)
		if err != nil {
			return exitFailed, err
		}
	}
	out.Findings, err = resources.Audit(ctx, tasks, out.Bounds)
	if err != nil {
		return exitFailed, err
	}
	if err := writeJSON(stdout, out); err != nil {
		return exitFailed, err
	}
	if len(out.Findings) > 0 {
		return exitFailed, out.Findings.Err()
	}
	return exitOK, nil
}

func runClassify(args []string, stdout io.Writer) (int, error) {
	fs := newFlagSet("classify")
	status := fs.Int("status", 0, "service status code of the failed run")
	class := fs.String("class", "", "service status class (SERVICE or CUSTOMER)")
	exitCode := fs.Int("exit-code", -1, "exit code of the failing task, if known")
	message := fs.String("message", "", "failure message reported by the service")
	task := fs.String("task", "", "name of the failing task")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return exitUsage, usageError(err, "classify takes flags only")
	}
	failure := domain.RunFailure{
		StatusClass: domain.NormalizeStatusClass(*class),
		StatusCode:  *status,
		TaskName:    *task,
		Message:     *message,
	}
	if *class != "" && failure.StatusClass == "" {
		return exitUsage, fmt.Errorf("-class must be SERVICE or CUSTOMER (got %q)", *class)
	}
	if *exitCode >= 0 {
		failure.ExitCode = exitCode
	}
	if err := writeJSON(stdout, diagnostics.Classify(failure)); err != nil {
		return exitFailed, err
	}
	return exitOK, nil
}

func runDeploy(ctx context.Context, args []string, stdout io.Writer) (int, error) {
	fs := newFlagSet("deploy")
	deployer := fs.String("deployer", env.String("DEPLOYER_URL", "http://localhost:8080"), "deployer base URL")
	token := fs.String("token", env.String("BEARER_TOKEN", ""), "bearer token (required in OIDC mode)")
	requestID := fs.String("request-id", "", "X-Request-Id for correlation")
	workflowID := fs.String("workflow", "", "workflow id")
	version := fs.String("version", "", "version name (MAJOR.MINOR.PATCH)")
	entrypoint := fs.String("entrypoint", "", "entrypoint path relative to the bundle root")
	if err := fs.Parse(args); err != nil || *workflowID == "" || *version == "" || fs.NArg() != 1 {
		return exitUsage, usageError(err, "deploy needs -workflow, -version and one directory")
	}
	if err := domain.ValidateVersionName(*version); err != nil {
		return exitUsage, err
	}

	tree := os.DirFS(fs.Arg(0))
	entries, err := bundle.ScanFS(tree, bundle.ScanOptions{Entrypoint: *entrypoint})
	if err != nil {
		return exitFailed, err
	}
	var archive bytes.Buffer
	if err := bundle.Archive(ctx, tree, entries, &archive); err != nil {
		return exitFailed, err
	}
	body, err := newAPIClient(*deployer, *token, *requestID).uploadVersion(*workflowID, *version, *entrypoint, archive.Bytes())
	if len(body) > 0 {
		if werr := writeJSON(stdout, body); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return exitFailed, err
	}
	return exitOK, nil
}

func usageError(err error, msg string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return errors.New(msg)
}

func writeJSON(w io.Writer, v any) error {
	if raw, ok := v.(json.RawMessage); ok && !json.Valid(raw) {
		_, err := fmt.Fprintln(w, strings.TrimSpace(string(raw)))
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
