package measurement

import (
	"fmt"
	"sort"
)

// Kinds with structured payloads
const (
	KindIndexedVector Kind = "isv"
	KindEnergyMeter   Kind = "nrg"
)

// DefaultPhaseThreshold is the power in watts above which a phase counts as active
const DefaultPhaseThreshold = 500.0

// PhaseCountField is the derived field of the energy meter kind
const PhaseCountField = "n_phases"

// ScalarKinds are the kinds whose payload is a single numeric literal
var ScalarKinds = []Kind{
	"fhz", "wh", "car", "amp", "frc",
	"Z1_curr_w", "Z1_total_kwh", "Z1_total_kwh_out",
	"Z3_curr_w", "Z3_total_kwh", "Z3_total_kwh_out",
}

// IndexedVectorCodes are the sub-fields of every isv element: current, power and frequency
var IndexedVectorCodes = []string{"i", "p", "f"}

// EnergyMeterFields is the positional layout of the nrg payload
var EnergyMeterFields = []string{
	"U_L1", "U_L2", "U_L3", "U_N",
	"I_L1", "I_L2", "I_L3",
	"P_L1", "P_L2", "P_L3", "P_N", "P_Total",
	"pf_L1", "pf_L2", "pf_L3", "pf_N",
}

// EnergyMeterPhases are the per-phase power fields counted into n_phases
var EnergyMeterPhases = []string{"P_L1", "P_L2", "P_L3"}

// Options calibrate the default schema
type Options struct {
	// PhaseThreshold overrides DefaultPhaseThreshold if not zero
	PhaseThreshold float64
}

// Schema is the closed table of measurement kinds and their decoding rules.
// It is built once at startup and read concurrently afterwards.
type Schema struct {
	rules map[Kind]Rule
}

// NewSchema returns an empty schema
func NewSchema() *Schema {
	return &Schema{rules: make(map[Kind]Rule)}
}

// DefaultSchema returns the schema with all known sensor kinds
func DefaultSchema(opts Options) *Schema {
	threshold := opts.PhaseThreshold
	if threshold == 0 {
		threshold = DefaultPhaseThreshold
	}
	s := NewSchema()
	for _, kind := range ScalarKinds {
		s.Register(kind, Scalar{})
	}
	s.Register(KindIndexedVector, NewIndexedVector(IndexedVectorCodes))
	s.Register(KindEnergyMeter, NewFixedVector(EnergyMeterFields, EnergyMeterPhases, PhaseCountField, threshold))
	return s
}

// Register adds a rule for kind. Registering a kind twice is a programming
// error and panics.
func (s *Schema) Register(kind Kind, rule Rule) {
	if _, ok := s.rules[kind]; ok {
		panic(fmt.Sprintf("measurement kind %s registered twice", kind))
	}
	s.rules[kind] = rule
}

// Has returns true if kind is part of the schema
func (s *Schema) Has(kind Kind) bool {
	_, ok := s.rules[kind]
	return ok
}

// Kinds returns all registered kinds in sorted order
func (s *Schema) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.rules))
	for kind := range s.rules {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Decode decodes payload according to the rule of kind. It returns
// ErrUnrecognizedKind for unknown kinds and a *MalformedPayloadError if the
// payload does not match the rule. Returned fields are always finite.
func (s *Schema) Decode(kind Kind, payload []byte) (Fields, error) {
	rule, ok := s.rules[kind]
	if !ok {
		return nil, ErrUnrecognizedKind
	}
	fields, err := rule.Decode(kind, payload)
	if err != nil {
		return nil, err
	}
	if name, ok := fields.finite(); !ok {
		return nil, malformed(kind, "field "+name+" is not a finite number", nil)
	}
	return fields, nil
}
