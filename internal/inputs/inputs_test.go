package inputs

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/omicsflow/internal/domain"
	"github.com/animus-labs/omicsflow/internal/platform/objectstore"
)

func TestLoad(t *testing.T) {
	params, err := Load([]byte(`
reads: s3://inputs/sample-1/reads.fastq.gz
threads: 4
contigs: [chr1, chr2]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if params["threads"] != 4 || params["reads"] != "s3://inputs/sample-1/reads.fastq.gz" {
		t.Fatalf("unexpected params %v", params)
	}

	empty, err := Load(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty params, got %v err=%v", empty, err)
	}
}

func TestLoad_RejectsNamespacedAndNested(t *testing.T) {
	_, err := Load([]byte(`{"main.reads": "s3://b/k", "opts": {"a": 1}}`))
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || len(de.Details) != 2 {
		t.Fatalf("expected two details, got %v", err)
	}
	if !strings.Contains(de.Details[0], `use "reads"`) {
		t.Fatalf("expected rename hint, got %q", de.Details[0])
	}
}

func TestLoad_Malformed(t *testing.T) {
	if _, err := Load([]byte("- just\n- a list\n")); !errors.Is(err, domain.ErrMalformedDocument) {
		t.Fatalf("expected malformed document, got %v", err)
	}
}

func TestObjectRefs(t *testing.T) {
	refs := ObjectRefs(map[string]any{
		"reference": "s3://refs/hg38.fa",
		"reads":     []any{"s3://inputs/a.fq", "local.fq", "s3://inputs/b.fq"},
		"threads":   4,
	})
	want := []ObjectRef{
		{Parameter: "reads", URI: "s3://inputs/a.fq"},
		{Parameter: "reads", URI: "s3://inputs/b.fq"},
		{Parameter: "reference", URI: "s3://refs/hg38.fa"},
	}
	if !reflect.DeepEqual(refs, want) {
		t.Fatalf("unexpected refs %v", refs)
	}
}

func TestCheckObjects(t *testing.T) {
	store := objectstore.NewMemory()
	if _, err := store.Put(context.Background(), "inputs", "a.fq", bytes.NewReader([]byte("@r1")), 3, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}

	ok := map[string]any{"reads": "s3://inputs/a.fq"}
	if err := CheckObjects(context.Background(), store, ok); err != nil {
		t.Fatalf("expected inputs to exist, got %v", err)
	}

	bad := map[string]any{"reads": []any{"s3://inputs/a.fq", "s3://inputs/missing.fq"}, "ref": "s3://nokey"}
	err := CheckObjects(context.Background(), store, bad)
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != "MissingInput" || len(de.Details) != 2 {
		t.Fatalf("expected two missing inputs, got %v", err)
	}
	if !strings.Contains(de.Details[0], "missing.fq") {
		t.Fatalf("expected details in parameter order, got %v", de.Details)
	}
}
