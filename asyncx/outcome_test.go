package asyncx

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorHandler_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"nil is success", nil, OutcomeSuccess},
		{"plain error retries", errors.New("timeout"), OutcomeRetry},
		{"permanent", NewPermanentError(errors.New("chat not found")), OutcomePermanent},
		{"wrapped permanent", fmt.Errorf("send: %w", NewPermanentError(errors.New("blocked"))), OutcomePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := ErrorHandler(func(context.Context, *Envelope) error { return tt.err })
			out := h.Execute(context.Background(), &Envelope{})
			if out.Kind != tt.want {
				t.Fatalf("Kind = %v, want %v", out.Kind, tt.want)
			}
			if tt.err != nil && out.Reason != tt.err.Error() {
				t.Fatalf("Reason = %q", out.Reason)
			}
		})
	}
}

func TestNewPermanentError_Nil(t *testing.T) {
	if NewPermanentError(nil) != nil {
		t.Fatal("expected nil")
	}
}

func TestEnvelope_CloneIsDeep(t *testing.T) {
	e := &Envelope{ID: "1", Payload: []byte(`{"a":1}`)}
	c := e.Clone()
	c.Payload[2] = 'b'
	if string(e.Payload) != `{"a":1}` {
		t.Fatalf("clone shares payload: %s", e.Payload)
	}
}
