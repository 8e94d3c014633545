package postgres

import (
	"strings"
	"testing"
)

func TestVersionInsertQueryIsCompareAndInsert(t *testing.T) {
	if !strings.Contains(insertVersionQuery, "ON CONFLICT (workflow_id, version_name) DO NOTHING") {
		t.Fatalf("expected conflict clause on the version key")
	}
	if !strings.Contains(insertVersionQuery, "'PENDING'") {
		t.Fatalf("expected versions to be inserted as PENDING")
	}
	if !strings.Contains(insertVersionQuery, "RETURNING") {
		t.Fatalf("expected insert to return the stored row")
	}
}

func TestVersionUpdatesOnlyTouchPending(t *testing.T) {
	for name, query := range map[string]string{
		"transition":     transitionVersionQuery,
		"definition uri": setDefinitionURIQuery,
	} {
		if !strings.Contains(query, "state = 'PENDING'") {
			t.Fatalf("%s: expected PENDING guard", name)
		}
		if !strings.Contains(query, "workflow_id = $1 AND version_name = $2") {
			t.Fatalf("%s: expected version key predicate", name)
		}
	}
}

func TestSelectQueriesUseKey(t *testing.T) {
	if !strings.Contains(selectVersionQuery, "workflow_id = $1 AND version_name = $2") {
		t.Fatalf("expected version key predicate in lookup query")
	}
	if !strings.Contains(listVersionsQuery, "LIMIT $3") {
		t.Fatalf("expected bounded version listing")
	}
	if !strings.Contains(selectRunQuery, "run_id = $1") {
		t.Fatalf("expected run id predicate in run lookup query")
	}
}

func TestNewStoresRequireDB(t *testing.T) {
	if NewVersionStore(nil) != nil || NewRunStore(nil) != nil {
		t.Fatalf("expected nil stores without a db")
	}
}

func TestDecodeParameters(t *testing.T) {
	got, err := decodeParameters([]byte(`{"reads":"s3://bucket/r1.fastq.gz","threads":4}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["reads"] != "s3://bucket/r1.fastq.gz" {
		t.Fatalf("unexpected parameters %v", got)
	}
	empty, err := decodeParameters(nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty map, got %v err=%v", empty, err)
	}
}
