package structure

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructureScenario(t *testing.T) {
	input := strings.Join([]string{
		"Dr. John Smith",
		"Name: Jane Doe",
		"Tab. Paracetamol 500mg",
		"Take twice daily",
		"Random note",
	}, "\n")

	want := `Doctor Info:
----------------------------------------
Dr. John Smith

Patient Info:
----------------------------------------
Name: Jane Doe

Medications:
----------------------------------------
Tab. Paracetamol 500mg

Instructions:
----------------------------------------
Take twice daily
Random note`

	assert.Equal(t, want, Structure(input).String())
}

func TestDoctorBeatsMedication(t *testing.T) {
	report := Structure("Dr. Smith 500mg")
	assert.Equal(t, []string{"Dr. Smith 500mg"}, report.Lines(DoctorInfo))
	assert.Empty(t, report.Lines(Medications))
}

func TestUnmatchedLinesStartInOtherDetails(t *testing.T) {
	report := Structure("City Pharmacy\n123 Main St\nTab. Amoxicillin\nwith food")
	assert.Equal(t, []string{"City Pharmacy", "123 Main St"}, report.Lines(OtherDetails))
	assert.Equal(t, []string{"Tab. Amoxicillin", "with food"}, report.Lines(Medications))
}

func TestLaterMatchSwitchesSection(t *testing.T) {
	report := Structure("Syrup 10ml\nas needed\nHospital stamp\nsigned")
	assert.Equal(t, []string{"Syrup 10ml", "as needed"}, report.Lines(Medications))
	assert.Equal(t, []string{"Hospital stamp", "signed"}, report.Lines(DoctorInfo))
}

func TestBlankLinesAreDropped(t *testing.T) {
	report := Structure("\n   \nPatient: Ann\n\t\n  Age: 40  \n\n")
	assert.Equal(t, []string{"Patient: Ann", "Age: 40"}, report.Lines(PatientInfo))
	assert.Equal(t, 2, report.Len())
}

func TestLineConservation(t *testing.T) {
	inputs := []string{
		"Dr. A\nDr. A\nnote\n\nTab. X 5mg\nTake at night\nmisc\nName: B",
		"only one line",
		"CLINIC\r\nPATIENT\r\nCAPSULE\r\nDAILY",
		"  leading\n\ntrailing  \n",
	}
	for _, input := range inputs {
		var want []string
		for _, l := range strings.Split(input, "\n") {
			if s := strings.TrimSpace(l); s != "" {
				want = append(want, s)
			}
		}

		report := Structure(input)
		var got []string
		for _, s := range Sections() {
			got = append(got, report.Lines(s)...)
		}
		assert.ElementsMatch(t, want, got, "input %q", input)
		assert.Equal(t, len(want), report.Len())
	}
}

func TestEmptyTextGivesEmptyReport(t *testing.T) {
	report := Structure(" \n\t\n")
	assert.True(t, report.Empty())
	assert.Equal(t, "", report.String())
	assert.Empty(t, report.NonEmptySections())
}

func TestRulePriorityOrder(t *testing.T) {
	table := Rules()
	require.Len(t, table, 4)
	assert.Equal(t, DoctorInfo, table[0].Section)
	assert.Equal(t, PatientInfo, table[1].Section)
	assert.Equal(t, Medications, table[2].Section)
	assert.Equal(t, Instructions, table[3].Section)

	// Every keyword classifies to its own rule unless an earlier rule also
	// contains it.
	for i, r := range table {
		for _, kw := range r.Keywords {
			section, ok := Classify(kw)
			require.True(t, ok, kw)
			expected := r.Section
		search:
			for _, earlier := range table[:i] {
				for _, ek := range earlier.Keywords {
					if strings.Contains(kw, ek) {
						expected = earlier.Section
						break search
					}
				}
			}
			assert.Equal(t, expected, section, "keyword %q", kw)
		}
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	s, ok := Classify("TABLET Metformin")
	require.True(t, ok)
	assert.Equal(t, Medications, s)

	_, ok = Classify("Refill allowed")
	assert.False(t, ok)
}

func TestSectionsOrder(t *testing.T) {
	assert.Equal(t, []Section{DoctorInfo, PatientInfo, Medications, Instructions, OtherDetails}, Sections())
}

func TestToMapOmitsEmptySections(t *testing.T) {
	m := Structure("Take daily").ToMap()
	assert.Equal(t, map[string][]string{"Instructions": {"Take daily"}}, m)
}
