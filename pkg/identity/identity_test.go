package identity

import (
	"testing"

	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
)

func TestDeriveDeviceIDDeterministic(t *testing.T) {
	seed := []byte("compound device identifier")
	kp1, err := DeriveDeviceID(seed)
	if err != nil {
		t.Fatalf("DeriveDeviceID: %v", err)
	}
	kp2, err := DeriveDeviceID(seed)
	if err != nil {
		t.Fatalf("DeriveDeviceID: %v", err)
	}
	if !kp1.Private.Equal(kp2.Private) {
		t.Fatalf("DeviceID not stable across derivations with the same seed")
	}
}

func TestAliasBindingChangesWithImageDigest(t *testing.T) {
	deviceID, err := DeriveDeviceID([]byte("cdi"))
	if err != nil {
		t.Fatalf("DeriveDeviceID: %v", err)
	}
	devPrivPEM, err := lzcrypto.PrivToPEM(deviceID)
	if err != nil {
		t.Fatalf("PrivToPEM: %v", err)
	}

	digestA := lzcrypto.SHA256([]byte("image A"))
	digestB := lzcrypto.SHA256([]byte("image B"))

	aliasA, err := DeriveAliasID(digestA, devPrivPEM)
	if err != nil {
		t.Fatalf("DeriveAliasID: %v", err)
	}
	aliasB, err := DeriveAliasID(digestB, devPrivPEM)
	if err != nil {
		t.Fatalf("DeriveAliasID: %v", err)
	}
	if aliasA.Private.Equal(aliasB.Private) {
		t.Fatalf("AliasID did not change when the next-layer image digest changed")
	}

	aliasAAgain, err := DeriveAliasID(digestA, devPrivPEM)
	if err != nil {
		t.Fatalf("DeriveAliasID: %v", err)
	}
	if !aliasA.Private.Equal(aliasAAgain.Private) {
		t.Fatalf("AliasID is not stable given the same image digest and DeviceID")
	}
}

func TestAliasBindingChangesWithDeviceID(t *testing.T) {
	digest := lzcrypto.SHA256([]byte("fixed image"))

	dev1, err := DeriveDeviceID([]byte("cdi one"))
	if err != nil {
		t.Fatalf("DeriveDeviceID: %v", err)
	}
	dev2, err := DeriveDeviceID([]byte("cdi two"))
	if err != nil {
		t.Fatalf("DeriveDeviceID: %v", err)
	}
	priv1, _ := lzcrypto.PrivToPEM(dev1)
	priv2, _ := lzcrypto.PrivToPEM(dev2)

	alias1, err := DeriveAliasID(digest, priv1)
	if err != nil {
		t.Fatalf("DeriveAliasID: %v", err)
	}
	alias2, err := DeriveAliasID(digest, priv2)
	if err != nil {
		t.Fatalf("DeriveAliasID: %v", err)
	}
	if alias1.Private.Equal(alias2.Private) {
		t.Fatalf("AliasID did not change when DeviceID changed")
	}
}

func TestDevAuthBindsPubKeyAndUUID(t *testing.T) {
	coreAuth := []byte("core-auth-key")
	pub := []byte("device-id-pub-pem")
	uuid := []byte("uuid-bytes-000000")

	tag1 := DeriveDevAuth(coreAuth, pub, uuid)
	tag2 := DeriveDevAuth(coreAuth, pub, uuid)
	if tag1 != tag2 {
		t.Fatalf("dev_auth not deterministic for identical inputs")
	}

	tagOtherUUID := DeriveDevAuth(coreAuth, pub, []byte("uuid-bytes-111111"))
	if tag1 == tagOtherUUID {
		t.Fatalf("dev_auth did not change when dev_uuid changed")
	}
}

func TestPubKeysEqual(t *testing.T) {
	a := []byte("same")
	b := []byte("same")
	c := []byte("different")
	if !PubKeysEqual(a, b) {
		t.Fatalf("expected equal PEM bytes to compare equal")
	}
	if PubKeysEqual(a, c) {
		t.Fatalf("expected different PEM bytes to compare unequal")
	}
}
