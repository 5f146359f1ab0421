package core

import "testing"

func TestMoneyValidate(t *testing.T) {
	tests := []struct {
		name    string
		cents   int64
		wantErr bool
	}{
		{"positive", 1234, false},
		{"one cent", 1, false},
		{"zero", 0, true},
		{"negative", -500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Money{Cents: tt.cents}.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMoneyFloat(t *testing.T) {
	if got := (Money{Cents: 1234}).Float(); got != 12.34 {
		t.Errorf("Float() = %v, want 12.34", got)
	}
	if got := (Money{Cents: -50}).Float(); got != -0.5 {
		t.Errorf("Float() = %v, want -0.5", got)
	}
}
