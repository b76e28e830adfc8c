package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "plain", err: base, want: ClassTransient},
		{name: "config", err: Config(base), want: ClassConfig},
		{name: "fatal", err: Fatal(base), want: ClassFatal},
		{name: "wrapped config", err: fmt.Errorf("dispatch: %w", Config(base)), want: ClassConfig},
		{name: "outermost wins", err: Fatal(Transient(base)), want: ClassFatal},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassOf(tt.err); got != tt.want {
				t.Fatalf("ClassOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapKeepsChain(t *testing.T) {
	t.Parallel()
	base := errors.New("relay down")
	err := fmt.Errorf("send: %w", Transient(base))
	if !errors.Is(err, base) {
		t.Fatal("errors.Is lost the base error")
	}
	if !IsTransient(err) || IsConfig(err) || IsFatal(err) {
		t.Fatalf("unexpected class for %v", err)
	}
	if Transient(nil) != nil || Config(nil) != nil || Fatal(nil) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}
