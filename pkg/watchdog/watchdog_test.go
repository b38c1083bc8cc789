package watchdog

import "testing"

func TestRecorderInitRecordsDeferral(t *testing.T) {
	r := &Recorder{}
	if err := r.Init(42); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !r.Armed() {
		t.Fatalf("expected Armed() to be true")
	}
	if r.DeferralSeconds() != 42 {
		t.Fatalf("DeferralSeconds() = %d, want 42", r.DeferralSeconds())
	}
}

func TestRecorderRejectsSecondInit(t *testing.T) {
	r := &Recorder{}
	if err := r.Init(DefaultTimeoutSeconds); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Init(10); err != ErrAlreadyArmed {
		t.Fatalf("second Init() error = %v, want ErrAlreadyArmed", err)
	}
}
