// Package inputs loads run parameter documents and checks that the objects
// they point at exist.
package inputs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/platform/objectstore"
)

const statConcurrency = 8

// Parameters is a flat run parameter map. Values are scalars or lists of
// scalars.
type Parameters map[string]any

// Load decodes a YAML or JSON parameter document.
func Load(raw []byte) (Parameters, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Parameters{}, nil
	}
	var params map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.ValidationFailure("MalformedParameters", domain.ErrMalformedDocument, []string{err.Error()})
	}
	if err := Check(params); err != nil {
		return nil, err
	}
	return Parameters(params), nil
}

// Check reports every key that is namespaced with a workflow name
// ("workflow.param") and every value that is a nested mapping.
func Check(params map[string]any) error {
	var details []string
	for _, name := range sortedKeys(params) {
		switch {
		case strings.TrimSpace(name) == "":
			details = append(details, "parameter name is empty")
		case strings.Contains(name, "."):
			details = append(details, fmt.Sprintf("%s: parameter names must not be namespaced; use %q", name, name[strings.LastIndex(name, ".")+1:]))
		}
		if !flatValue(params[name]) {
			details = append(details, fmt.Sprintf("%s: nested values are not supported", name))
		}
	}
	if len(details) > 0 {
		return domain.ValidationFailure("InvalidParameters", domain.ErrValidationFailed, details)
	}
	return nil
}

func flatValue(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return false
	case []any:
		for _, item := range t {
			switch item.(type) {
			case map[string]any, []any:
				return false
			}
		}
	}
	return true
}

// ObjectRef is an s3:// value found in a parameter.
type ObjectRef struct {
	Parameter string
	URI       string
}

// ObjectRefs lists the s3:// values in params ordered by parameter name.
func ObjectRefs(params map[string]any) []ObjectRef {
	var refs []ObjectRef
	add := func(name string, v any) {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "s3://") {
			refs = append(refs, ObjectRef{Parameter: name, URI: s})
		}
	}
	for _, name := range sortedKeys(params) {
		if list, ok := params[name].([]any); ok {
			for _, item := range list {
				add(name, item)
			}
			continue
		}
		add(name, params[name])
	}
	return refs
}

// CheckObjects stats every s3:// value through store. Missing objects and
// malformed uris are aggregated into one validation error; store failures are
// returned as they are.
func CheckObjects(ctx context.Context, store objectstore.Store, params map[string]any) error {
	refs := ObjectRefs(params)
	if len(refs) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		missing = make([]string, len(refs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			bucket, key, err := objectstore.ParseURI(ref.URI)
			if err != nil {
				mu.Lock()
				missing[i] = fmt.Sprintf("%s: %v", ref.Parameter, err)
				mu.Unlock()
				return nil
			}
			if _, err := store.Stat(gctx, bucket, key); err != nil {
				if errors.Is(err, objectstore.ErrNotFound) {
					mu.Lock()
					missing[i] = fmt.Sprintf("%s: %s does not exist", ref.Parameter, ref.URI)
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("stat %s: %w", ref.URI, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var details []string
	for _, d := range missing {
		if d != "" {
			details = append(details, d)
		}
	}
	if len(details) > 0 {
		return domain.ValidationFailure("MissingInput", domain.ErrValidationFailed, details)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
