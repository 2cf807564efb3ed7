package storage

import (
	"errors"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		ident   string
		wantErr bool
	}{
		{name: "simple table", ident: "datasets", wantErr: false},
		{name: "snake case", ident: "audit_log", wantErr: false},
		{name: "schema qualified", ident: "istat.observations", wantErr: false},
		{name: "digits after letter", ident: "obs2024", wantErr: false},
		{name: "empty", ident: "", wantErr: true},
		{name: "leading digit", ident: "2024_obs", wantErr: true},
		{name: "uppercase", ident: "Datasets", wantErr: true},
		{name: "semicolon injection", ident: "datasets; DROP TABLE datasets", wantErr: true},
		{name: "quoted", ident: `"datasets"`, wantErr: true},
		{name: "too many parts", ident: "a.b.c", wantErr: true},
		{name: "trailing dot", ident: "istat.", wantErr: true},
		{name: "hyphen", ident: "audit-log", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.ident)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.ident, err, tt.wantErr)
			}

			if err != nil {
				var se *SchemaError
				if !errors.As(err, &se) {
					t.Fatalf("expected SchemaError, got %T", err)
				}

				if se.Identifier != tt.ident {
					t.Errorf("SchemaError.Identifier = %q, want %q", se.Identifier, tt.ident)
				}
			}
		})
	}
}
