package diagnostics

import (
	"strings"
	"testing"

	"github.com/animus-labs/omicsflow/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		failure       domain.RunFailure
		wantRetryable bool
		wantCategory  domain.FailureCategory
		wantAction    string
	}{
		{
			name:          "service unavailable",
			failure:       domain.RunFailure{StatusClass: domain.StatusClassService, StatusCode: 503},
			wantRetryable: true,
			wantCategory:  domain.CategoryTransientService,
			wantAction:    ActionResubmit,
		},
		{
			name:          "bad input",
			failure:       domain.RunFailure{StatusClass: domain.StatusClassCustomer, StatusCode: 400, LogRefs: []string{"run/1/task/align"}},
			wantRetryable: false,
			wantCategory:  domain.CategoryConfigurationInput,
			wantAction:    ActionFixInput,
		},
		{
			name:          "code wins over conflicting class",
			failure:       domain.RunFailure{StatusClass: domain.StatusClassCustomer, StatusCode: 502},
			wantRetryable: true,
			wantCategory:  domain.CategoryTransientService,
			wantAction:    ActionResubmit,
		},
		{
			name:          "class used without a known code",
			failure:       domain.RunFailure{StatusClass: domain.StatusClassService},
			wantRetryable: true,
			wantCategory:  domain.CategoryTransientService,
			wantAction:    ActionResubmit,
		},
		{
			name:          "unknown",
			failure:       domain.RunFailure{StatusCode: 302},
			wantRetryable: false,
			wantCategory:  domain.CategoryUnknown,
			wantAction:    ActionUnknown,
		},
	}

	for _, tt := range tests {
		got := Classify(tt.failure)
		if got.Retryable != tt.wantRetryable || got.Category != tt.wantCategory || got.SuggestedAction != tt.wantAction {
			t.Fatalf("%s: unexpected diagnosis %+v", tt.name, got)
		}
	}
}

func TestClassify_CarriesLogRefsAndTask(t *testing.T) {
	refs := []string{"run/1/task/align/stderr"}
	got := Classify(domain.RunFailure{StatusCode: 400, LogRefs: refs, TaskName: "align"})
	if got.TaskName != "align" || len(got.LogRefs) != 1 || got.LogRefs[0] != refs[0] {
		t.Fatalf("unexpected diagnosis %+v", got)
	}
	got.LogRefs[0] = "changed"
	if refs[0] != "run/1/task/align/stderr" {
		t.Fatalf("diagnosis shares log refs with the failure")
	}
}

func TestClassify_AddsMemoryHint(t *testing.T) {
	exit := 137
	tests := []domain.RunFailure{
		{StatusClass: domain.StatusClassCustomer, StatusCode: 400, ExitCode: &exit},
		{StatusClass: domain.StatusClassCustomer, Message: "task sort: OutOfMemoryError: Java heap space"},
	}
	for _, failure := range tests {
		got := Classify(failure)
		if !strings.HasPrefix(got.SuggestedAction, ActionFixInput) || !strings.Contains(got.SuggestedAction, "memory") {
			t.Fatalf("expected memory hint, got %q", got.SuggestedAction)
		}
	}

	got := Classify(domain.RunFailure{StatusCode: 503, Message: "out of memory on host"})
	if got.SuggestedAction != ActionResubmit {
		t.Fatalf("expected transient action unchanged, got %q", got.SuggestedAction)
	}
}
