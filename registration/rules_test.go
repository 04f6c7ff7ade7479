package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sagaflow/collaborator"
)

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	codes := func(issues []collaborator.Issue) []string {
		out := []string{}
		for _, is := range issues {
			out = append(out, is.Code)
		}
		return out
	}

	tests := []struct {
		name    string
		student collaborator.Student
		want    []string
	}{
		{"active at same school", collaborator.Student{StatusCode: "A", SchoolID: "X"}, []string{}},
		{"no school on record", collaborator.Student{StatusCode: "A"}, []string{}},
		{"different school", collaborator.Student{StatusCode: "A", SchoolID: "Y"}, []string{"SCHOOL_MISMATCH"}},
		{"merged skips school check", collaborator.Student{StatusCode: "M", SchoolID: "Y"}, []string{"STUDENT_MERGED"}},
		{"deceased", collaborator.Student{StatusCode: "D", SchoolID: "X"}, []string{"STUDENT_DECEASED"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			student := tt.student
			issues := rules.Validate(Subject{Registration: Data{StudentID: "abc", SchoolID: "X"}, Student: &student})
			assert.Equal(t, tt.want, codes(issues))
		})
	}
}
