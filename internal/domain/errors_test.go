package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsValidation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "qty invalid", err: ErrQtyInvalid, want: true},
		{name: "wrapped user required", err: fmt.Errorf("add item: %w", ErrUserIDRequired), want: true},
		{name: "custom field", err: NewValidationError("items", "must not be empty"), want: true},
		{name: "empty cart is not validation", err: ErrEmptyCart, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidation(tt.err); got != tt.want {
				t.Errorf("IsValidation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	if got := ErrQtyInvalid.Error(); got != "qty: must be greater than zero" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := NewValidationError("", "bad body").Error(); got != "bad body" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestUpstreamAndCommitClassification(t *testing.T) {
	upstream := Classify("fetch cart", ErrUpstreamUnavailable, errors.New("dial tcp: refused"))
	if !IsUpstreamUnavailable(upstream) {
		t.Fatal("expected upstream error to be classified")
	}
	if IsCommitUnknown(upstream) {
		t.Fatal("upstream error must not be classified as commit unknown")
	}

	unknown := Classify("append order", ErrCommitUnknown, errors.New("context deadline exceeded"))
	if !IsCommitUnknown(unknown) {
		t.Fatal("expected commit unknown to be classified")
	}
	if IsUpstreamUnavailable(unknown) {
		t.Fatal("commit unknown must not be classified as upstream unavailable")
	}
}

func TestClassifyKeepsCauseAndContext(t *testing.T) {
	cause := fmt.Errorf("ping: %w", errors.ErrUnsupported)

	err := Classify("clear lines", ErrClearFailed, cause)
	if !errors.Is(err, ErrClearFailed) || !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected both kind and cause in chain, got %v", err)
	}
	if want := "clear lines: " + ErrClearFailed.Error() + ": " + cause.Error(); err.Error() != want {
		t.Fatalf("message %q, want %q", err.Error(), want)
	}

	bare := Classify("", ErrUpstreamUnavailable, cause)
	if want := ErrUpstreamUnavailable.Error() + ": " + cause.Error(); bare.Error() != want {
		t.Fatalf("message %q, want %q", bare.Error(), want)
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "idempotency already exists",
			err:  ErrIdempotencyKeyAlreadyExists,
			want: true,
		},
		{
			name: "idempotency hash mismatch",
			err:  ErrIdempotencyHashMismatch,
			want: true,
		},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{
			name: "non idempotency error",
			err:  ErrOrderNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIdempotencyConflict(tt.err); got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}
