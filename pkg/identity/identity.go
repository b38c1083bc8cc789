// Package identity derives the DICE-style identity chain for this boot:
// a persistent DeviceID keypair from the compound device secret, a
// volatile AliasID keypair bound to both DeviceID and the measurement of
// the next layer, and the dev_auth HMAC tag used by layers that may
// perform device reassociation.
package identity

import (
	"bytes"

	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
)

// DeriveDeviceID derives the long-lived DeviceID keypair from the
// compound device secret handed down by the pre-boot stage. It is
// stable across boots for as long as the seed is stable.
func DeriveDeviceID(cdiPrime []byte) (*lzcrypto.KeyPair, error) {
	return lzcrypto.DeriveKeyPair(cdiPrime)
}

// DeriveAliasID re-derives the volatile AliasID keypair every boot from
// the SHA-256 digest of (next-layer code digest || DeviceID private key
// PEM). The seed is always the full 32-byte digest.
//
// AliasID therefore changes whenever either the next-layer image or the
// DeviceID changes: it attests to this device running this specific
// code.
func DeriveAliasID(nextLayerDigest [32]byte, deviceIDPrivPEM []byte) (*lzcrypto.KeyPair, error) {
	seed := lzcrypto.SHA256Two(nextLayerDigest[:], deviceIDPrivPEM)
	return lzcrypto.DeriveKeyPair(seed[:])
}

// DeriveDevAuth computes the dev_auth HMAC tag binding the DeviceID
// public key to dev_uuid under the core_auth key. Provided only to
// layers that can perform device reassociation (UDOWNLOADER, CPATCHER).
func DeriveDevAuth(coreAuth, deviceIDPubPEM, devUUID []byte) [32]byte {
	data := make([]byte, 0, len(deviceIDPubPEM)+len(devUUID))
	data = append(data, deviceIDPubPEM...)
	data = append(data, devUUID...)
	return lzcrypto.HMACSHA256(coreAuth, data)
}

// PubKeysEqual compares two PEM-encoded public keys for byte equality,
// the check used to decide whether DeviceID has changed since the last
// boot (housekeeping's csr-issued transition).
func PubKeysEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}
