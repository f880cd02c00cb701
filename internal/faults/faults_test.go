package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("amount_cents", "must be positive"), http.StatusBadRequest},
		{"not found", NotFound("charge", "abc"), http.StatusNotFound},
		{"conflict", Conflict("payout batch", "b1", "already paid"), http.StatusConflict},
		{"external", External("payment gateway", errors.New("timeout")), http.StatusBadGateway},
		{"partial failure", &PartialFailureError{Operation: "confirm payout", CompletedStep: "batch update", BatchID: "b1", Err: errors.New("db down")}, http.StatusAccepted},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHTTPStatusWrapped(t *testing.T) {
	err := fmt.Errorf("creating batch: %w", Conflict("commission", "c1", "already claimed"))
	if got := HTTPStatus(err); got != http.StatusConflict {
		t.Errorf("wrapped conflict mapped to %d, want 409", got)
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := External("beneficiary directory", inner)
	if !errors.Is(err, inner) {
		t.Error("ExternalServiceError should unwrap to its cause")
	}

	pf := &PartialFailureError{Operation: "cancel payout", CompletedStep: "batch update", BatchID: "b2", Err: inner}
	if !errors.Is(pf, inner) {
		t.Error("PartialFailureError should unwrap to its cause")
	}
}
