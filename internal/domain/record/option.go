package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyAlternatives is returned when a selectable choice has no alternatives
var ErrEmptyAlternatives = errors.New("selectable choice requires at least one alternative")

// Choice is either a fixed value or an ordered list of alternatives offered for selection.
// The zero value is Fixed("").
type Choice struct {
	fixed        string
	alternatives []string
}

// Fixed returns a choice with a single value
func Fixed(value string) Choice {
	return Choice{fixed: value}
}

// Selectable returns a choice offering the given alternatives in order
func Selectable(alternatives ...string) (Choice, error) {
	if len(alternatives) == 0 {
		return Choice{}, ErrEmptyAlternatives
	}
	alts := make([]string, len(alternatives))
	copy(alts, alternatives)
	return Choice{alternatives: alts}, nil
}

// MustSelectable is Selectable for static catalog tables
func MustSelectable(alternatives ...string) Choice {
	c, err := Selectable(alternatives...)
	if err != nil {
		panic(err)
	}
	return c
}

// IsSelectable reports whether the choice offers alternatives
func (c Choice) IsSelectable() bool { return len(c.alternatives) > 0 }

// Alternatives returns a copy of the alternatives, or the fixed value as a single element
func (c Choice) Alternatives() []string {
	if !c.IsSelectable() {
		return []string{c.fixed}
	}
	out := make([]string, len(c.alternatives))
	copy(out, c.alternatives)
	return out
}

// Default is the fixed value or the first alternative
func (c Choice) Default() string {
	if c.IsSelectable() {
		return c.alternatives[0]
	}
	return c.fixed
}

// Resolve picks the value that ends up in the document.
// An empty selection falls back to Default; a selection outside the alternatives is an error.
func (c Choice) Resolve(selection string) (string, error) {
	if !c.IsSelectable() {
		return c.fixed, nil
	}
	if selection == "" {
		return c.alternatives[0], nil
	}
	for _, alt := range c.alternatives {
		if alt == selection {
			return alt, nil
		}
	}
	return "", fmt.Errorf("selection %q is not one of %v", selection, c.alternatives)
}

// MarshalJSON encodes a fixed choice as a string and a selectable one as an array
func (c Choice) MarshalJSON() ([]byte, error) {
	if c.IsSelectable() {
		return json.Marshal(c.alternatives)
	}
	return json.Marshal(c.fixed)
}

// UnmarshalJSON accepts a string or a non-empty array of strings
func (c *Choice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var alts []string
		if err := json.Unmarshal(data, &alts); err != nil {
			return err
		}
		sel, err := Selectable(alts...)
		if err != nil {
			return err
		}
		*c = sel
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("choice must be a string or an array of strings: %w", err)
	}
	*c = Fixed(s)
	return nil
}

// MedicationOption is an antibiotic or injectable catalog entry
type MedicationOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Dosage      Choice `json:"dosage"`
	Route       Choice `json:"route"`
	Posology    Choice `json:"posology"`
	Observation Choice `json:"observation"`
	Schedule    Choice `json:"schedule"`
}

// Selection carries the alternatives picked for one catalog option
type Selection struct {
	OptionID    string `json:"optionId"`
	Dosage      string `json:"dosage,omitempty"`
	Route       string `json:"route,omitempty"`
	Posology    string `json:"posology,omitempty"`
	Observation string `json:"observation,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
}

// Resolve turns the option plus a selection into a prescription line
func (o *MedicationOption) Resolve(sel Selection) (PrescriptionLine, error) {
	fields := []struct {
		name   string
		choice Choice
		picked string
		dst    *string
	}{
		{"dosage", o.Dosage, sel.Dosage, nil},
		{"route", o.Route, sel.Route, nil},
		{"posology", o.Posology, sel.Posology, nil},
		{"observation", o.Observation, sel.Observation, nil},
		{"schedule", o.Schedule, sel.Schedule, nil},
	}

	line := PrescriptionLine{ID: o.ID, Medication: o.Name}
	fields[0].dst = &line.Dose
	fields[1].dst = &line.Route
	fields[2].dst = &line.Frequency
	fields[3].dst = &line.Notes
	fields[4].dst = &line.Time

	for _, f := range fields {
		v, err := f.choice.Resolve(f.picked)
		if err != nil {
			return PrescriptionLine{}, fmt.Errorf("option %s %s: %w", o.ID, f.name, err)
		}
		*f.dst = v
	}
	return line, nil
}
