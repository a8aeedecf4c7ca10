package structure

import (
	"strings"
)

const separatorWidth = 40

// Report holds the classified lines of one prescription.
type Report struct {
	lines map[Section][]string
	count int
}

func newReport() *Report {
	return &Report{lines: make(map[Section][]string, len(sectionOrder))}
}

func (r *Report) add(section Section, line string) {
	r.lines[section] = append(r.lines[section], line)
	r.count++
}

// Lines returns a copy of the lines assigned to section.
func (r *Report) Lines(section Section) []string {
	return append([]string(nil), r.lines[section]...)
}

// Len is the total number of classified lines.
func (r *Report) Len() int {
	return r.count
}

// Empty reports whether no line was classified.
func (r *Report) Empty() bool {
	return r.count == 0
}

// NonEmptySections lists the sections holding at least one line, in order.
func (r *Report) NonEmptySections() []Section {
	var out []Section
	for _, s := range sectionOrder {
		if len(r.lines[s]) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// ToMap exposes the report for JSON storage.
func (r *Report) ToMap() map[string][]string {
	out := make(map[string][]string)
	for _, s := range r.NonEmptySections() {
		out[string(s)] = r.Lines(s)
	}
	return out
}

// String renders the report as section-headed plain text:
//
//	Doctor Info:
//	----------------------------------------
//	Dr. John Smith
//
// Empty sections are omitted and trailing whitespace is trimmed.
func (r *Report) String() string {
	var b strings.Builder
	rule := strings.Repeat("-", separatorWidth)
	for _, s := range r.NonEmptySections() {
		b.WriteString("\n")
		b.WriteString(string(s))
		b.WriteString(":\n")
		b.WriteString(rule)
		b.WriteString("\n")
		b.WriteString(strings.Join(r.lines[s], "\n"))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
