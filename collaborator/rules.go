package collaborator

// Severity 校验问题级别
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Issue 规则校验发现的问题，作为 saga 数据向后传递
type Issue struct {
	Code     string   `json:"code"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Rule 单条业务规则
type Rule[T any] interface {
	// ShouldExecute 根据已有问题决定是否执行本规则
	ShouldExecute(subject T, existing []Issue) bool
	ExecuteValidation(subject T) []Issue
}

// RuleFunc 总是执行的规则
type RuleFunc[T any] func(subject T) []Issue

func (f RuleFunc[T]) ShouldExecute(T, []Issue) bool { return true }

func (f RuleFunc[T]) ExecuteValidation(subject T) []Issue { return f(subject) }

// RuleEngine 规则执行入口
type RuleEngine[T any] interface {
	Validate(subject T) []Issue
}

// RuleProcessor 按注册顺序执行规则，累积问题
type RuleProcessor[T any] struct {
	rules []Rule[T]
}

func NewRuleProcessor[T any](rules ...Rule[T]) *RuleProcessor[T] {
	return &RuleProcessor[T]{rules: rules}
}

func (p *RuleProcessor[T]) Validate(subject T) []Issue {
	issues := make([]Issue, 0)
	for _, r := range p.rules {
		if !r.ShouldExecute(subject, issues) {
			continue
		}
		issues = append(issues, r.ExecuteValidation(subject)...)
	}
	return issues
}

// HasErrors 是否存在 ERROR 级别问题
func HasErrors(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityError {
			return true
		}
	}
	return false
}

var _ RuleEngine[struct{}] = (*RuleProcessor[struct{}])(nil)
