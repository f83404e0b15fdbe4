package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// FailureTypeUnserializable marks a cause whose details could not be
// captured; the message is preserved, the original type name is not.
const FailureTypeUnserializable = "unserializable"

// maxCauseDepth bounds the cause chain so a cyclic Unwrap cannot hang the
// worker.
const maxCauseDepth = 64

// Failure is one link in a failure cause chain crossing the process
// boundary. Only strings travel; the original error values stay in the
// worker.
type Failure struct {
	Message string   `json:"message"`
	Type    string   `json:"type"`
	Cause   *Failure `json:"cause,omitempty"`
}

// NewFailure converts an error chain into a wire failure, one link per
// wrapped error. Returns nil for a nil error.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	head := describe(err)
	tail := head
	for depth := 1; depth < maxCauseDepth; depth++ {
		err = errors.Unwrap(err)
		if err == nil {
			break
		}
		cause := describe(err)
		tail.Cause = cause
		tail = cause
	}
	return head
}

// describe captures a single error as a failure link. An error whose Error
// method panics is replaced by a placeholder that keeps whatever text the
// panic carried.
func describe(err error) (f *Failure) {
	f = &Failure{Type: fmt.Sprintf("%T", err)}
	defer func() {
		if r := recover(); r != nil {
			f = &Failure{
				Message: strings.ToValidUTF8(fmt.Sprintf("%v", r), "�"),
				Type:    FailureTypeUnserializable,
			}
		}
	}()
	f.Message = strings.ToValidUTF8(err.Error(), "�")
	return f
}

// String renders the chain's messages, outermost first.
func (f *Failure) String() string {
	var b strings.Builder
	for cur := f; cur != nil; cur = cur.Cause {
		if cur != f {
			b.WriteString(": ")
		}
		b.WriteString(cur.Message)
	}
	return b.String()
}

// Root returns the innermost cause of the chain.
func (f *Failure) Root() *Failure {
	cur := f
	for cur.Cause != nil {
		cur = cur.Cause
	}
	return cur
}
