package runner

import "fmt"

// ErrorKind classifies why a run failed
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindConfig
	ErrorKindFetch
	ErrorKindFilesystem
	ErrorKindPolicy
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindConfig:
		return "config"
	case ErrorKindFetch:
		return "fetch"
	case ErrorKindFilesystem:
		return "filesystem"
	case ErrorKindPolicy:
		return "policy"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Result is the outcome of one collection run
type Result struct {
	Kind ErrorKind
	Err  error

	PrincipalCount int // distinct principals in the policy
	WrittenCount   int
	SkippedCount   int
}

func (r Result) OK() bool {
	return r.Kind == ErrorKindNone
}

// ExitCode maps the result to the process exit code
func (r Result) ExitCode() int {
	if r.OK() {
		return 0
	}
	return 1
}

func (r Result) Error() string {
	if r.Err == nil {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s: %v", r.Kind, r.Err)
}

func (r Result) Unwrap() error {
	return r.Err
}

func failure(kind ErrorKind, err error) Result {
	return Result{Kind: kind, Err: err}
}
