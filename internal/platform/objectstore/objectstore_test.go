package objectstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:     "s3.us-east-1.amazonaws.com",
		AccessKey:    "a",
		SecretKey:    "b",
		Region:       "us-east-1",
		UseSSL:       true,
		BundleBucket: "bundles",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "https://s3.us-east-1.amazonaws.com"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}
	invalid = valid
	invalid.BundleBucket = ""
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing bucket")
	}
}

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("s3://genomes/hg38/ref.fa")
	if err != nil || bucket != "genomes" || key != "hg38/ref.fa" {
		t.Fatalf("ParseURI() = %q %q err=%v", bucket, key, err)
	}
	for _, bad := range []string{"genomes/ref.fa", "s3://genomes", "s3:///ref.fa", "s3://genomes/"} {
		if _, _, err := ParseURI(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestBundleKey(t *testing.T) {
	dgst := digest.FromString("bundle")
	key := BundleKey("wf-1", dgst)
	if key != "bundles/wf-1/"+dgst.Encoded()+".zip" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	info, err := store.Put(ctx, "b", "k.zip", strings.NewReader("data"), 4, "application/zip")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.URI() != "s3://b/k.zip" || info.Size != 4 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Stat(ctx, "b", "k.zip"); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if _, err := store.Stat(ctx, "b", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	data, ok := store.Get("b", "k.zip")
	if !ok || string(data) != "data" {
		t.Fatalf("unexpected object %q", data)
	}
}
