package lzcrypto

import (
	"bytes"
	"testing"
)

func TestDeriveKeyPairDeterministic(t *testing.T) {
	seed := []byte("a fixed compound device identifier seed value!")

	kp1, err := DeriveKeyPair(seed)
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}
	kp2, err := DeriveKeyPair(seed)
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}

	priv1, err := PrivToPEM(kp1)
	if err != nil {
		t.Fatalf("PrivToPEM: %v", err)
	}
	priv2, err := PrivToPEM(kp2)
	if err != nil {
		t.Fatalf("PrivToPEM: %v", err)
	}
	if !bytes.Equal(priv1, priv2) {
		t.Fatalf("derived keypairs from the same seed are not byte-identical")
	}
}

func TestDeriveKeyPairDifferentSeeds(t *testing.T) {
	kp1, err := DeriveKeyPair([]byte("seed one"))
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}
	kp2, err := DeriveKeyPair([]byte("seed two"))
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}
	priv1, _ := PrivToPEM(kp1)
	priv2, _ := PrivToPEM(kp2)
	if bytes.Equal(priv1, priv2) {
		t.Fatalf("different seeds produced identical keypairs")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := DeriveKeyPair([]byte("sign-verify seed"))
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}

	data := []byte("the content that gets signed")
	sig, err := Sign(kp, data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(kp.Public(), data, sig); err != nil {
		t.Fatalf("Verify valid signature: %v", err)
	}

	t.Run("flipped data byte", func(t *testing.T) {
		tampered := append([]byte(nil), data...)
		tampered[0] ^= 0xFF
		if err := Verify(kp.Public(), tampered, sig); err == nil {
			t.Fatalf("expected verification failure for tampered data")
		}
	})

	t.Run("flipped signature byte", func(t *testing.T) {
		tampered := append([]byte(nil), sig...)
		tampered[len(tampered)-1] ^= 0xFF
		if err := Verify(kp.Public(), data, tampered); err == nil {
			t.Fatalf("expected verification failure for tampered signature")
		}
	})
}

func TestPEMRoundTrip(t *testing.T) {
	kp, err := DeriveKeyPair([]byte("pem seed"))
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}

	pubPEM, err := PubToPEM(kp)
	if err != nil {
		t.Fatalf("PubToPEM: %v", err)
	}
	pub, err := PubFromPEM(pubPEM)
	if err != nil {
		t.Fatalf("PubFromPEM: %v", err)
	}
	if !pub.Equal(kp.Public()) {
		t.Fatalf("public key did not round-trip through PEM")
	}

	privPEM, err := PrivToPEM(kp)
	if err != nil {
		t.Fatalf("PrivToPEM: %v", err)
	}
	kp2, err := PrivFromPEM(privPEM)
	if err != nil {
		t.Fatalf("PrivFromPEM: %v", err)
	}
	if !kp2.Private.Equal(kp.Private) {
		t.Fatalf("private key did not round-trip through PEM")
	}
}

func TestSHA256TwoMatchesConcatenation(t *testing.T) {
	a := []byte("first part")
	b := []byte("second part")
	got := SHA256Two(a, b)
	want := SHA256(append(append([]byte(nil), a...), b...))
	if got != want {
		t.Fatalf("SHA256Two(a, b) != SHA256(a||b)")
	}
}
