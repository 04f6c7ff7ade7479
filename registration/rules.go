package registration

import "sagaflow/collaborator"

// 学生状态码
const (
	studentStatusMerged   = "M"
	studentStatusDeceased = "D"
)

// DefaultRules 默认规则：学生状态有效；学生所在学校与注册学校一致
func DefaultRules() *collaborator.RuleProcessor[Subject] {
	return collaborator.NewRuleProcessor[Subject](
		collaborator.RuleFunc[Subject](studentStatusRule),
		schoolMatchRule{},
	)
}

func studentStatusRule(s Subject) []collaborator.Issue {
	switch s.Student.StatusCode {
	case studentStatusMerged:
		return []collaborator.Issue{{Code: "STUDENT_MERGED", Field: "studentID",
			Message: "student record has been merged", Severity: collaborator.SeverityError}}
	case studentStatusDeceased:
		return []collaborator.Issue{{Code: "STUDENT_DECEASED", Field: "studentID",
			Message: "student record is deceased", Severity: collaborator.SeverityError}}
	}
	return nil
}

// schoolMatchRule 学生状态有问题时不再比较学校
type schoolMatchRule struct{}

func (schoolMatchRule) ShouldExecute(_ Subject, existing []collaborator.Issue) bool {
	return !collaborator.HasErrors(existing)
}

func (schoolMatchRule) ExecuteValidation(s Subject) []collaborator.Issue {
	if s.Student.SchoolID == "" || s.Student.SchoolID == s.Registration.SchoolID {
		return nil
	}
	return []collaborator.Issue{{Code: "SCHOOL_MISMATCH", Field: "schoolID",
		Message: "student is enrolled at a different school", Severity: collaborator.SeverityWarning}}
}
