package validation

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrors(t *testing.T) {
	e := New()
	if e.Err() != nil {
		t.Fatal("empty Errors should be nil error")
	}
	e.Check(true, "name", "never recorded")
	e.Check(false, "email", "The email field is required.")
	e.Add("amount", "The amount must be at least %d.", 0)

	err := fmt.Errorf("creating user: %w", e.Err())
	if !errors.Is(err, ErrValidation) {
		t.Error("expected errors.Is(err, ErrValidation)")
	}
	var got *Errors
	if !errors.As(err, &got) {
		t.Fatal("expected errors.As to find *Errors")
	}
	msgs := got.Messages()
	if len(msgs) != 2 || msgs[0] != "The amount must be at least 0." {
		t.Errorf("messages = %v", msgs)
	}
	if e.Has("name") || !e.Has("email") {
		t.Error("Has reported wrong fields")
	}
}
