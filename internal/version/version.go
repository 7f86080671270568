package version

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PrecisionKind distinguishes full-precision weights from quantized ones.
type PrecisionKind string

const (
	Full      PrecisionKind = "full"
	Quantized PrecisionKind = "quantized"
)

// Precision tags a weight snapshot. Bits and Scheme are only meaningful when
// Kind is Quantized.
type Precision struct {
	Kind   PrecisionKind `json:"kind"`
	Bits   int           `json:"bits,omitempty"`
	Scheme string        `json:"scheme,omitempty"` // e.g. "awq", "fp8-e4m3"
}

// FullPrecision is the base precision written by the Learner.
func FullPrecision() Precision { return Precision{Kind: Full} }

// QuantizedPrecision returns a quantized tag with the given bit width.
func QuantizedPrecision(bits int, scheme string) Precision {
	return Precision{Kind: Quantized, Bits: bits, Scheme: scheme}
}

func (p Precision) IsQuantized() bool { return p.Kind == Quantized }

// String renders "full", "quantized:8" or "quantized:8:awq".
func (p Precision) String() string {
	if p.Kind != Quantized {
		return string(Full)
	}
	if p.Scheme == "" {
		return fmt.Sprintf("quantized:%d", p.Bits)
	}
	return fmt.Sprintf("quantized:%d:%s", p.Bits, p.Scheme)
}

// Validate checks the tag is well formed.
func (p Precision) Validate() error {
	switch p.Kind {
	case Full, "":
		return nil
	case Quantized:
		if p.Bits <= 0 || p.Bits > 32 {
			return fmt.Errorf("quantized precision needs 1..32 bits, got %d", p.Bits)
		}
		return nil
	}
	return fmt.Errorf("unknown precision kind %q", p.Kind)
}

// ParsePrecision is the inverse of Precision.String.
func ParsePrecision(s string) (Precision, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == string(Full) {
		return FullPrecision(), nil
	}
	parts := strings.SplitN(s, ":", 3)
	if parts[0] != string(Quantized) || len(parts) < 2 {
		return Precision{}, fmt.Errorf("parse precision %q: want full|quantized:BITS[:SCHEME]", s)
	}
	bits, err := strconv.Atoi(parts[1])
	if err != nil {
		return Precision{}, fmt.Errorf("parse precision %q: %w", s, err)
	}
	p := Precision{Kind: Quantized, Bits: bits}
	if len(parts) == 3 {
		p.Scheme = parts[2]
	}
	if err := p.Validate(); err != nil {
		return Precision{}, err
	}
	return p, nil
}

// UnmarshalText lets configs carry the short textual form.
func (p *Precision) UnmarshalText(b []byte) error {
	parsed, err := ParsePrecision(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalJSON accepts both the object form and the textual form.
func (p *Precision) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return p.UnmarshalText([]byte(s))
	}
	type plain Precision
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Precision(v)
	if p.Kind == "" {
		p.Kind = Full
	}
	return p.Validate()
}

// ModelVersion is an immutable record of a published weight snapshot.
// Components hold versions by number and never copy weights through it.
type ModelVersion struct {
	Version   uint64    `json:"version"`
	WeightRef string    `json:"weight_ref"`
	Precision Precision `json:"precision"`
	CreatedAt time.Time `json:"created_at"`
}

func (m ModelVersion) String() string {
	return fmt.Sprintf("v%d(%s)", m.Version, m.Precision)
}

// IsZero reports whether m is the "nothing published" placeholder.
func (m ModelVersion) IsZero() bool { return m.Version == 0 }
