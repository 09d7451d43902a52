package redact

import "testing"

func TestStringRedactsKeyValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"bare kv", "token=abc123def"},
		{"spaced kv", "password: hunter2"},
		{"json shape", `{"api_key": "sk-12345"}`},
		{"pfx password", "pfx_password=supersecret"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := String(tt.input)
			if got == tt.input {
				t.Errorf("String(%q) did not redact anything, got %q", tt.input, got)
			}
		})
	}
}

func TestStringLeavesPlainTextAlone(t *testing.T) {
	t.Parallel()
	input := "ticket 123456 archived successfully to Customers/ACME/2026"
	if got := String(input); got != input {
		t.Errorf("String(%q) = %q, want unchanged", input, got)
	}
}

func TestMapRedactsSecretKeys(t *testing.T) {
	t.Parallel()
	in := map[string]string{
		"tms_token":  "abc",
		"storage_root": "/var/archive",
	}
	out := Map(in)
	if out["tms_token"] != Placeholder {
		t.Errorf("Map() tms_token = %q, want %q", out["tms_token"], Placeholder)
	}
	if out["storage_root"] != "/var/archive" {
		t.Errorf("Map() storage_root = %q, want unchanged", out["storage_root"])
	}
}
