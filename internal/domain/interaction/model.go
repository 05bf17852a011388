package interaction

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/healthvault/healthvault/internal/platform/errcode"
)

// Severity is ordered: SeverityMild < SeverityModerate < SeveritySevere.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMild
	SeverityModerate
	SeveritySevere
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityMild:     "mild",
	SeverityModerate: "moderate",
	SeveritySevere:   "severe",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseSeverity accepts the names used by the lookup service. "minor" and
// "major" are accepted as aliases.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SeverityNone, nil
	case "mild", "minor", "low":
		return SeverityMild, nil
	case "moderate", "medium":
		return SeverityModerate, nil
	case "severe", "major", "high", "contraindicated":
		return SeveritySevere, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// PairKey identifies an unordered pair of medication names. The zero value
// is not a valid key; build keys with NewPairKey only.
type PairKey struct {
	A string
	B string
}

// NewPairKey normalises both names and orders them, so NewPairKey(x, y) and
// NewPairKey(y, x) are equal.
func NewPairKey(a, b string) PairKey {
	a, b = NormalizeName(a), NormalizeName(b)
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

func (k PairKey) String() string { return k.A + "|" + k.B }

// Valid reports whether the key names two distinct, non-empty medications.
func (k PairKey) Valid() bool { return k.A != "" && k.B != "" && k.A != k.B }

// NormalizeName lower-cases a medication name and collapses whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Verdict is the lookup result for one pair. Found=false means the lookup
// service knows of no interaction, which is distinct from "not looked up".
type Verdict struct {
	Found          bool     `json:"found"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Subject is a medication participating in a check. Name should be the
// generic name when one is known.
type Subject struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Warning is a detected interaction between two medications. A and B are
// ordered by normalised name so the same pair always renders the same way.
type Warning struct {
	MedicationA    Subject  `json:"medication_a"`
	MedicationB    Subject  `json:"medication_b"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// UnresolvedPair is a pair whose lookup failed. It must never be read as
// "no interaction".
type UnresolvedPair struct {
	MedicationA Subject      `json:"medication_a"`
	MedicationB Subject      `json:"medication_b"`
	Code        errcode.Code `json:"code"`
	Reason      string       `json:"reason"`
}

// ConsultProviderMessage is attached whenever a severe warning is present.
const ConsultProviderMessage = "A severe interaction was found. Consult your healthcare provider before taking these medications together."

// CheckResult is the outcome of a safety check.
type CheckResult struct {
	Warnings        []Warning        `json:"warnings"`
	Unresolved      []UnresolvedPair `json:"unresolved,omitempty"`
	Incomplete      bool             `json:"incomplete"`
	ConsultProvider bool             `json:"consult_provider"`
	Recommendation  string           `json:"recommendation,omitempty"`
	PairsChecked    int              `json:"pairs_checked"`
}

// RequiresProviderConsult reports whether any warning is severe.
func RequiresProviderConsult(warnings []Warning) bool {
	for _, w := range warnings {
		if w.Severity == SeveritySevere {
			return true
		}
	}
	return false
}

// MaxSeverity returns the highest severity among warnings.
func MaxSeverity(warnings []Warning) Severity {
	max := SeverityNone
	for _, w := range warnings {
		if w.Severity > max {
			max = w.Severity
		}
	}
	return max
}
