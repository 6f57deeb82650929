package manifest

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	m, err := Parse([]byte(`{
		"targets": ["app!*"],
		"units": {
			"app": {"builder": "sh", "inputs": ["lib!out"]},
			"lib": {"builder": "sh", "outputs": ["out", "dev"]}
		}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Units) != 2 {
		t.Fatalf("got %d units, want 2", len(m.Units))
	}
	if _, ok := m.Unit("lib"); !ok {
		t.Error("Unit(lib) not found")
	}

	if _, err := Parse([]byte(`{"units": {}}`)); err == nil {
		t.Error("empty manifest accepted")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestOutputNamesDefault(t *testing.T) {
	u := Unit{Builder: "sh"}
	got := u.OutputNames()
	if len(got) != 1 || got[0] != "out" {
		t.Errorf("OutputNames = %v, want [out]", got)
	}

	u.Outputs = []string{"bin", "doc"}
	got = u.OutputNames()
	if len(got) != 2 || got[0] != "bin" {
		t.Errorf("OutputNames = %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		units   map[string]Unit
		wantErr string
	}{
		{
			name: "linear chain",
			units: map[string]Unit{
				"a": {Builder: "sh", Inputs: []string{"b!out"}},
				"b": {Builder: "sh", Inputs: []string{"c!out"}},
				"c": {Builder: "sh"},
			},
		},
		{
			name: "diamond",
			units: map[string]Unit{
				"top":   {Builder: "sh", Inputs: []string{"left!out", "right!out"}},
				"left":  {Builder: "sh", Inputs: []string{"base!out"}},
				"right": {Builder: "sh", Inputs: []string{"base!out"}},
				"base":  {Builder: "sh"},
			},
		},
		{
			name: "opaque inputs are not edges",
			units: map[string]Unit{
				"a": {Builder: "sh", Inputs: []string{"prebuilt-thing"}},
			},
		},
		{
			name: "two-node cycle",
			units: map[string]Unit{
				"a": {Builder: "sh", Inputs: []string{"b!out"}},
				"b": {Builder: "sh", Inputs: []string{"a!out"}},
			},
			wantErr: "cycle",
		},
		{
			name: "self loop",
			units: map[string]Unit{
				"a": {Builder: "sh", Inputs: []string{"a!out"}},
			},
			wantErr: "cycle",
		},
		{
			name: "missing dependency",
			units: map[string]Unit{
				"a": {Builder: "sh", Inputs: []string{"ghost!out"}},
			},
			wantErr: "non-existent",
		},
		{
			name: "unknown output requested",
			units: map[string]Unit{
				"a": {Builder: "sh", Inputs: []string{"b!dev"}},
				"b": {Builder: "sh"},
			},
			wantErr: "does not produce",
		},
		{
			name: "malformed input",
			units: map[string]Unit{
				"a": {Builder: "sh", Inputs: []string{"b!"}},
			},
			wantErr: "outputs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Units: tt.units}
			order, err := m.Validate()
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Validate succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Validate error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if len(order) != len(tt.units) {
				t.Fatalf("order has %d units, want %d", len(order), len(tt.units))
			}
			pos := make(map[string]int, len(order))
			for i, name := range order {
				pos[name] = i
			}
			// Every dependency must sort before its dependent.
			for name, unit := range tt.units {
				inputs, _ := unit.InputPaths()
				for _, in := range inputs {
					if in.Opaque() {
						continue
					}
					if pos[in.Unit] >= pos[name] {
						t.Errorf("%q ordered before its dependency %q: %v", name, in.Unit, order)
					}
				}
			}
		})
	}
}
