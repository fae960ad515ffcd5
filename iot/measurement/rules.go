package measurement

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Rule decodes the payload of one measurement kind
type Rule interface {
	Decode(kind Kind, payload []byte) (Fields, error)
}

// Scalar decodes a single numeric literal into a field named after the kind.
type Scalar struct{}

// Decode implements Rule
func (Scalar) Decode(kind Kind, payload []byte) (Fields, error) {
	literal := strings.TrimSpace(string(payload))
	digits := strings.ToLower(strings.TrimLeft(literal, "+-"))
	if strings.HasPrefix(digits, "0x") {
		return nil, malformed(kind, fmt.Sprintf("hexadecimal literal %q is not a decimal number", literal), nil)
	}
	value, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return nil, malformed(kind, fmt.Sprintf("cannot parse %q as number", literal), err)
	}
	return Fields{string(kind): value}, nil
}

// IndexedVector decodes a JSON array of objects. For the object at index i and
// each code, the field "{code}_{i+1}" is emitted.
type IndexedVector struct {
	codes  []string
	schema *gojsonschema.Schema
}

// NewIndexedVector returns an indexed vector rule for the given codes
func NewIndexedVector(codes []string) *IndexedVector {
	properties := map[string]interface{}{}
	for _, code := range codes {
		properties[code] = map[string]string{"type": "number"}
	}
	return &IndexedVector{
		codes: codes,
		schema: mustCompile(map[string]interface{}{
			"type":     "array",
			"minItems": 1,
			"items": map[string]interface{}{
				"type":       "object",
				"required":   codes,
				"properties": properties,
			},
		}),
	}
}

// Decode implements Rule
func (r *IndexedVector) Decode(kind Kind, payload []byte) (Fields, error) {
	if err := validate(kind, r.schema, payload); err != nil {
		return nil, err
	}
	var elements []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &elements); err != nil {
		return nil, malformed(kind, "cannot decode array", err)
	}
	fields := make(Fields, len(elements)*len(r.codes))
	for i, element := range elements {
		for _, code := range r.codes {
			var v float64
			if err := json.Unmarshal(element[code], &v); err != nil {
				return nil, malformed(kind, fmt.Sprintf("element %d code %s", i, code), err)
			}
			fields[fmt.Sprintf("%s_%d", code, i+1)] = v
		}
	}
	return fields, nil
}

// FixedVector decodes a JSON array of positional values into named fields and
// adds a derived field counting the phases whose power exceeds Threshold.
// Elements beyond the named fields are ignored.
type FixedVector struct {
	names     []string
	phases    []string
	derived   string
	threshold float64
	schema    *gojsonschema.Schema
}

// NewFixedVector returns a fixed vector rule. phases names the fields which
// are compared against threshold to compute the derived field.
func NewFixedVector(names, phases []string, derived string, threshold float64) *FixedVector {
	items := make([]interface{}, len(names))
	for i := range names {
		items[i] = map[string]string{"type": "number"}
	}
	return &FixedVector{
		names:     names,
		phases:    phases,
		derived:   derived,
		threshold: threshold,
		schema: mustCompile(map[string]interface{}{
			"type":     "array",
			"minItems": len(names),
			"items":    items,
		}),
	}
}

// Threshold returns the phase power threshold
func (r *FixedVector) Threshold() float64 {
	return r.threshold
}

// Decode implements Rule
func (r *FixedVector) Decode(kind Kind, payload []byte) (Fields, error) {
	if err := validate(kind, r.schema, payload); err != nil {
		return nil, err
	}
	var values []json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, malformed(kind, "cannot decode array", err)
	}
	fields := make(Fields, len(r.names)+1)
	for i, name := range r.names {
		var v float64
		if err := json.Unmarshal(values[i], &v); err != nil {
			return nil, malformed(kind, "element "+name, err)
		}
		fields[name] = v
	}
	active := 0
	for _, phase := range r.phases {
		if fields[phase] > r.threshold {
			active++
		}
	}
	fields[r.derived] = float64(active)
	return fields, nil
}

func validate(kind Kind, schema *gojsonschema.Schema, payload []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return malformed(kind, "invalid json", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return malformed(kind, strings.Join(reasons, "; "), nil)
	}
	return nil
}

func mustCompile(schema map[string]interface{}) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		panic(fmt.Errorf("cannot compile payload schema: %w", err))
	}
	return compiled
}
