package diag

import "fmt"

// Stable diagnostic codes. 2xxx namespace/type/sema, 3xxx lowering,
// 4xxx assembler, 9xxx internal.
const (
	CodeNameCollision  = "CAL2001"
	CodeUndeclaredName = "CAL2002"

	CodeInvalidLiteral   = "CAL2101"
	CodeInvalidType      = "CAL2102"
	CodeTypeMismatch     = "CAL2103"
	CodeInvalidOperation = "CAL2104"

	CodeImmutableViolation   = "CAL2201"
	CodeStateAccessViolation = "CAL2202"
	CodeIteratorException    = "CAL2301"

	CodeLowerUnsupported = "CAL3001"

	CodeAsmUnresolvedLabel = "CAL4001"

	CodeInternal = "CAL9001"
)

// Phase names carried on diagnostics.
const (
	PhaseNamespace = "namespace"
	PhaseTypes     = "types"
	PhaseSema      = "sema"
	PhaseLower     = "lower"
	PhaseAsm       = "asm"
)

// Position describes a line/column position in a source file.
type Position struct {
	Line   int
	Column int
}

// Span describes a source range.
type Span struct {
	File  string
	Start Position
	End   Position
}

func (s Span) Valid() bool {
	return s.File != "" && s.Start.Line > 0 && s.Start.Column > 0
}

// Diagnostic is a structured compile-time error. Hint is an optional
// developer-facing annotation the front-end attached from inline comments.
type Diagnostic struct {
	Code    string
	Phase   string
	Message string
	Span    Span
	Hint    string
}

func (d Diagnostic) Error() string {
	msg := d.Message
	if d.Hint != "" {
		msg = fmt.Sprintf("%s (%s)", msg, d.Hint)
	}
	if !d.Span.Valid() {
		return fmt.Sprintf("[%s] %s", d.Code, msg)
	}
	return fmt.Sprintf("%s:%d:%d: [%s] %s",
		d.Span.File,
		d.Span.Start.Line,
		d.Span.Start.Column,
		d.Code,
		msg,
	)
}

// Diagnostics is an ordered diagnostic list.
type Diagnostics []Diagnostic

func (ds Diagnostics) Error() string {
	if len(ds) == 0 {
		return ""
	}
	if len(ds) == 1 {
		return ds[0].Error()
	}
	return fmt.Sprintf("%s (and %d more error(s))", ds[0].Error(), len(ds)-1)
}

func (ds Diagnostics) HasErrors() bool { return len(ds) > 0 }

// Internal reports an invariant breach inside the compiler itself. It is
// never attributable to a source fix.
func Internal(phase, format string, args ...interface{}) Diagnostic {
	return Diagnostic{
		Code:    CodeInternal,
		Phase:   phase,
		Message: fmt.Sprintf(format, args...),
	}
}
