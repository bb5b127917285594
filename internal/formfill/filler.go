package formfill

import (
	"context"
	"fmt"
)

// Field is one form field to fill, in template order.
type Field struct {
	Name  string
	Value string
}

// Request carries everything the capability needs for one document.
type Request struct {
	TemplateName string
	Template     []byte
	Fields       []Field
}

// FillError is the typed failure the capability may raise for one row.
type FillError struct {
	Reason string
	Err    error
}

func (e *FillError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("form fill failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("form fill failed: %s", e.Reason)
}

func (e *FillError) Unwrap() error { return e.Err }

// Filler produces one filled PDF from a template and row values. The
// rendering primitive itself is a black box behind this interface.
type Filler interface {
	Fill(ctx context.Context, req Request) ([]byte, error)
}
