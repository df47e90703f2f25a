package validate

import "testing"

func TestValidateRunStartAcceptsWellFormed(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	payload := []byte(`{"provider":"anthropic","sessionId":"sess-1","messages":[{"role":"user","content":"hi"}]}`)
	if err := v.ValidateRunStart(payload); err != nil {
		t.Fatalf("expected valid payload to pass, got %v", err)
	}
}

func TestValidateRunStartRejectsMissingProvider(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	payload := []byte(`{"sessionId":"sess-1"}`)
	if err := v.ValidateRunStart(payload); err == nil {
		t.Fatalf("expected missing provider to fail validation")
	}
}

func TestValidateCallbackRejectsUnknownKind(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	payload := []byte(`{"eventId":"evt-1","kind":"not.a.real.kind"}`)
	if err := v.ValidateCallback(payload); err == nil {
		t.Fatalf("expected unknown kind to fail validation")
	}
}

func TestValidateCallbackAcceptsRunFinished(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	payload := []byte(`{"eventId":"evt-2","kind":"run.finished","finishStatus":"succeeded","inputTokens":10,"outputTokens":20}`)
	if err := v.ValidateCallback(payload); err != nil {
		t.Fatalf("expected valid callback to pass, got %v", err)
	}
}
