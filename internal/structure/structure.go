/**
 * Prescription text structuring
 *
 * Buckets raw OCR lines into fixed sections with a keyword heuristic.
 * Classification is sticky: a line that matches no rule joins the section
 * of the most recent line that did.
 */

package structure

import (
	"strings"
)

// Section is one of the fixed report headings.
type Section string

const (
	DoctorInfo   Section = "Doctor Info"
	PatientInfo  Section = "Patient Info"
	Medications  Section = "Medications"
	Instructions Section = "Instructions"
	OtherDetails Section = "Other Details"
)

// sectionOrder is the rendering order.
var sectionOrder = []Section{DoctorInfo, PatientInfo, Medications, Instructions, OtherDetails}

// Sections returns every section in rendering order.
func Sections() []Section {
	out := make([]Section, len(sectionOrder))
	copy(out, sectionOrder)
	return out
}

// Rule assigns a section to lines containing any of its keywords.
type Rule struct {
	Section  Section
	Keywords []string
}

// rules are evaluated in order; the first match wins.
var rules = []Rule{
	{DoctorInfo, []string{"dr.", "dr ", "doctor", "clinic", "hospital"}},
	{PatientInfo, []string{"name:", "age:", "patient", "sex:", "gender:"}},
	{Medications, []string{"tab.", "tablet", "cap.", "capsule", "mg", "ml", "syrup", "injection"}},
	{Instructions, []string{"take", "times", "daily", "days", "morning", "night", "afternoon"}},
}

// Rules returns a copy of the classification table in priority order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = Rule{Section: r.Section, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}

// Classify returns the section of the first rule matching line, if any.
// line is compared case-insensitively.
func Classify(line string) (Section, bool) {
	lower := strings.ToLower(line)
	for _, r := range rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return r.Section, true
			}
		}
	}
	return "", false
}

// classifier is the fold accumulator: the section unmatched lines fall into.
type classifier struct {
	current Section
}

// step consumes one trimmed, non-empty line and returns the section it
// belongs to together with the next state.
func (c classifier) step(line string) (Section, classifier) {
	if s, ok := Classify(line); ok {
		return s, classifier{current: s}
	}
	return c.current, c
}

// Structure splits text into lines and assigns each non-blank one to a
// section. Lines keep their input order within a section.
func Structure(text string) *Report {
	report := newReport()
	state := classifier{current: OtherDetails}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		var section Section
		section, state = state.step(line)
		report.add(section, line)
	}
	return report
}
