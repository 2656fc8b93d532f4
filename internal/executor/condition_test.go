package executor

import "testing"

func TestEvalCondition(t *testing.T) {
	env := map[string]string{
		"environment":       "production",
		"build.unit.status": "success",
	}

	tests := []struct {
		name    string
		cond    string
		want    bool
		wantErr bool
	}{
		{"equal match", "environment == production", true, false},
		{"equal mismatch", "environment == staging", false, false},
		{"not equal", "environment != staging", true, false},
		{"quoted literal", `environment == "production"`, true, false},
		{"single quoted", "environment == 'production'", true, false},
		{"step status key", "build.unit.status == success", true, false},
		{"missing key reads empty", "missing == ''", true, false},
		{"missing key mismatch", "missing == anything", false, false},
		{"no operator", "environment", false, true},
		{"empty left operand", "== production", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalCondition(tt.cond, env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("evalCondition(%q) error = %v, wantErr %v", tt.cond, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("evalCondition(%q) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}
