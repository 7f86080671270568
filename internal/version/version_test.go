package version

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nidhogg/streamrl/internal/faults"
)

func TestParsePrecision(t *testing.T) {
	tests := []struct {
		in   string
		want Precision
		err  bool
	}{
		{"", FullPrecision(), false},
		{"full", FullPrecision(), false},
		{"quantized:8", QuantizedPrecision(8, ""), false},
		{"quantized:4:awq", QuantizedPrecision(4, "awq"), false},
		{"quantized:0", Precision{}, true},
		{"quantized", Precision{}, true},
		{"int8", Precision{}, true},
	}
	for _, tt := range tests {
		got, err := ParsePrecision(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ParsePrecision(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePrecision(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePrecision(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if tt.in != "" && got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestPrecisionJSON(t *testing.T) {
	var cfg struct {
		A Precision `json:"a"`
		B Precision `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"quantized:8","b":{"kind":"full"}}`), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.A.Bits != 8 || !cfg.A.IsQuantized() {
		t.Errorf("got %+v", cfg.A)
	}
	if cfg.B.IsQuantized() {
		t.Errorf("got %+v", cfg.B)
	}
}

func TestRegistryStrictlyIncreasing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Latest(); ok {
		t.Fatal("empty registry reported a latest version")
	}
	for _, v := range []uint64{1, 2, 5} {
		if err := r.Append(ModelVersion{Version: v}); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}

	err := r.Append(ModelVersion{Version: 5})
	if !errors.Is(err, faults.ErrDuplicateVersion) {
		t.Errorf("got %v, want duplicate", err)
	}
	err = r.Append(ModelVersion{Version: 3})
	if !errors.Is(err, faults.ErrOutOfOrderVersion) {
		t.Errorf("got %v, want out of order", err)
	}
	if err := r.Append(ModelVersion{Version: 0}); err == nil {
		t.Error("version 0 must be rejected")
	}

	latest, _ := r.Latest()
	if latest.Version != 5 {
		t.Errorf("got latest %d, want 5", latest.Version)
	}
	if _, ok := r.Get(3); ok {
		t.Error("rejected version must not be stored")
	}
	all := r.All()
	if len(all) != 3 || all[0].Version != 1 || all[2].Version != 5 {
		t.Errorf("unexpected ordering %v", all)
	}
}
