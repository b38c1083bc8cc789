package certbag

import "testing"

func TestPutGetRoundTrip(t *testing.T) {
	b := New()
	if err := b.Put(SlotHub, []byte("hub-cert-pem")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put(SlotDeviceID, []byte("deviceid-cert-pem")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := b.Get(SlotHub)
	if err != nil {
		t.Fatalf("Get(SlotHub): %v", err)
	}
	if string(got) != "hub-cert-pem" {
		t.Fatalf("Get(SlotHub) = %q", got)
	}

	got, err = b.Get(SlotDeviceID)
	if err != nil {
		t.Fatalf("Get(SlotDeviceID): %v", err)
	}
	if string(got) != "deviceid-cert-pem" {
		t.Fatalf("Get(SlotDeviceID) = %q", got)
	}

	if b.Has(SlotAliasID) {
		t.Fatalf("expected SlotAliasID to be empty")
	}
	if _, err := b.Get(SlotAliasID); err != ErrSlotEmpty {
		t.Fatalf("Get(SlotAliasID) error = %v, want ErrSlotEmpty", err)
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	b := New()
	if err := b.Put(SlotHub, []byte("hub")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate of well formed bag: %v", err)
	}

	b.Data[len(b.Data)-1] = 'X' // corrupt the terminator
	if err := b.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a missing terminator")
	}
}

func TestEntriesAreNullTerminatedWithoutTerminatorInSize(t *testing.T) {
	b := New()
	pem := []byte("cert-bytes")
	if err := b.Put(SlotDeviceID, pem); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e := b.Table[SlotDeviceID]
	if int(e.Size) != len(pem) {
		t.Fatalf("Size = %d, want %d (terminator must not be counted)", e.Size, len(pem))
	}
	if b.Data[e.Start+e.Size] != 0 {
		t.Fatalf("entry not null terminated")
	}
}
