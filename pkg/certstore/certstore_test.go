package certstore

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"go.lazarusboot.dev/lzcore/pkg/certbag"
	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
)

func mustDeriveKeyPair(t *testing.T, seed string) *lzcrypto.KeyPair {
	t.Helper()
	kp, err := lzcrypto.DeriveKeyPair([]byte(seed))
	if err != nil {
		t.Fatalf("DeriveKeyPair(%q): %v", seed, err)
	}
	return kp
}

func parsePEMCert(t *testing.T, pemBytes []byte) *x509.Certificate {
	t.Helper()
	blk, _ := pem.Decode(pemBytes)
	if blk == nil {
		t.Fatalf("no PEM block in certificate bytes")
	}
	cert, err := x509.ParseCertificate(blk.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert
}

func TestIssueDeviceIDCertificateSubject(t *testing.T) {
	deviceID := mustDeriveKeyPair(t, "cdi-seed")
	certPEM, err := IssueDeviceIDCertificate(deviceID)
	if err != nil {
		t.Fatalf("IssueDeviceIDCertificate: %v", err)
	}
	cert := parsePEMCert(t, certPEM)
	if cert.Subject.CommonName != "DeviceID" {
		t.Fatalf("CommonName = %q, want DeviceID", cert.Subject.CommonName)
	}
	if len(cert.Subject.Organization) != 1 || cert.Subject.Organization[0] != "Lazarus" {
		t.Fatalf("Organization = %v, want [Lazarus]", cert.Subject.Organization)
	}
}

func TestIssueAliasIDCertificateIssuerIsDeviceID(t *testing.T) {
	deviceID := mustDeriveKeyPair(t, "cdi-seed")
	aliasID := mustDeriveKeyPair(t, "alias-seed")
	certPEM, err := IssueAliasIDCertificate(deviceID, aliasID)
	if err != nil {
		t.Fatalf("IssueAliasIDCertificate: %v", err)
	}
	cert := parsePEMCert(t, certPEM)
	if cert.Subject.CommonName != "AliasID" {
		t.Fatalf("CommonName = %q, want AliasID", cert.Subject.CommonName)
	}
	if cert.Issuer.CommonName != "DeviceID" {
		t.Fatalf("Issuer CommonName = %q, want DeviceID", cert.Issuer.CommonName)
	}
}

func TestBuildImageCertStoreOrderAndSlots(t *testing.T) {
	deviceID := mustDeriveKeyPair(t, "cdi-seed")
	aliasID := mustDeriveKeyPair(t, "alias-seed")
	deviceIDCert, err := IssueDeviceIDCertificate(deviceID)
	if err != nil {
		t.Fatalf("IssueDeviceIDCertificate: %v", err)
	}

	bag, err := BuildImageCertStore([]byte("hub-cert-pem"), deviceIDCert, deviceID, aliasID)
	if err != nil {
		t.Fatalf("BuildImageCertStore: %v", err)
	}
	if !bag.Has(certbag.SlotHub) || !bag.Has(certbag.SlotDeviceID) || !bag.Has(certbag.SlotAliasID) {
		t.Fatalf("expected all three slots to be populated")
	}
	hub, dev, alias := bag.Table[certbag.SlotHub], bag.Table[certbag.SlotDeviceID], bag.Table[certbag.SlotAliasID]
	if !(hub.Start < dev.Start && dev.Start < alias.Start) {
		t.Fatalf("entry starts hub=%d deviceID=%d aliasID=%d, want hub, DeviceID, AliasID in that order", hub.Start, dev.Start, alias.Start)
	}
	if err := bag.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestBuildImageCertStoreWithoutHubCert(t *testing.T) {
	deviceID := mustDeriveKeyPair(t, "cdi-seed")
	aliasID := mustDeriveKeyPair(t, "alias-seed")
	deviceIDCert, err := IssueDeviceIDCertificate(deviceID)
	if err != nil {
		t.Fatalf("IssueDeviceIDCertificate: %v", err)
	}

	bag, err := BuildImageCertStore(nil, deviceIDCert, deviceID, aliasID)
	if err != nil {
		t.Fatalf("BuildImageCertStore: %v", err)
	}
	if bag.Has(certbag.SlotHub) {
		t.Fatalf("expected no hub slot when hub cert is absent")
	}
}
