package domain

import (
	"errors"
	"testing"
)

func TestValidateVersionName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "1.0.0"},
		{name: "v1.2.3"},
		{name: "2.0.0-rc.1"},
		{name: "1.0.0+build.7"},
		{name: "1.0.0-beta+exp.sha.5114f85"},
		{name: "", wantErr: true},
		{name: "1.0", wantErr: true},
		{name: "1", wantErr: true},
		{name: "01.0.0", wantErr: true},
		{name: "latest", wantErr: true},
		{name: " 1.0.0", wantErr: true},
		{name: "1.0.0.0", wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateVersionName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: expected err=%v, got %v", tt.name, tt.wantErr, err)
		}
		if err != nil {
			if !errors.Is(err, ErrInvalidVersionName) || ClassOf(err) != ClassConfiguration {
				t.Fatalf("%q: expected configuration InvalidVersionName, got %v", tt.name, err)
			}
		}
	}
}

func TestValidateVersionTransition(t *testing.T) {
	tests := []struct {
		from    VersionState
		to      VersionState
		wantErr bool
	}{
		{from: VersionPending, to: VersionActive},
		{from: VersionPending, to: VersionFailed},
		{from: VersionPending, to: VersionPending},
		{from: VersionActive, to: VersionActive},
		{from: VersionFailed, to: VersionFailed},
		{from: VersionActive, to: VersionFailed, wantErr: true},
		{from: VersionFailed, to: VersionActive, wantErr: true},
		{from: VersionActive, to: VersionPending, wantErr: true},
		{from: VersionPending, to: "DELETED", wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateVersionTransition(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s -> %s: expected err=%v, got %v", tt.from, tt.to, tt.wantErr, err)
		}
		if err != nil && !errors.Is(err, ErrTerminalState) {
			t.Fatalf("%s -> %s: expected terminal state, got %v", tt.from, tt.to, err)
		}
	}
}

func TestNormalizeVersionState(t *testing.T) {
	tests := map[string]VersionState{
		"creating": VersionPending,
		"READY":    VersionActive,
		" active ": VersionActive,
		"ERROR":    VersionFailed,
		"deleted":  "",
	}
	for in, want := range tests {
		if got := NormalizeVersionState(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}
