package devices

import "testing"

func setBrightnessCapability() Capability {
	min, max := 0.0, 100.0
	return Capability{
		Name: "set_brightness",
		Parameters: []ParamSchema{
			{Name: "level", Type: ParamInt, Required: true, Min: &min, Max: &max},
			{Name: "transition", Type: ParamEnum, Enum: []string{"instant", "smooth"}},
		},
	}
}

func TestValidateParameters(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid_required_only", map[string]any{"level": 50.0}, false},
		{"valid_with_optional_enum", map[string]any{"level": 50.0, "transition": "smooth"}, false},
		{"missing_required", map[string]any{"transition": "smooth"}, true},
		{"below_min", map[string]any{"level": -1.0}, true},
		{"above_max", map[string]any{"level": 101.0}, true},
		{"wrong_type", map[string]any{"level": "bright"}, true},
		{"non_integer_for_int_type", map[string]any{"level": 50.5}, true},
		{"enum_not_in_set", map[string]any{"level": 50.0, "transition": "fade"}, true},
		{"unknown_extra_param_passed_through", map[string]any{"level": 50.0, "color": "red"}, false},
	}

	cap := setBrightnessCapability()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateParameters(cap, tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateParameters() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParametersCollectsAllFailures(t *testing.T) {
	cap := setBrightnessCapability()
	err := validateParameters(cap, map[string]any{"level": 500.0, "transition": "fade"})
	if err == nil {
		t.Fatal("expected ValidationError, got nil")
	}
	if len(err.Failures) != 2 {
		t.Errorf("len(Failures) = %d, want 2 (both level and transition invalid)", len(err.Failures))
	}
}

func TestValidateParametersBoolAndString(t *testing.T) {
	cap := Capability{Parameters: []ParamSchema{
		{Name: "on", Type: ParamBool, Required: true},
		{Name: "label", Type: ParamString},
	}}

	if err := validateParameters(cap, map[string]any{"on": true, "label": "kitchen"}); err != nil {
		t.Errorf("valid bool+string rejected: %v", err)
	}
	if err := validateParameters(cap, map[string]any{"on": "yes"}); err == nil {
		t.Error("expected error for non-bool value")
	}
}
