// Package certstore implements the CSR / Certificate Store Builder: CSR
// issuance for DeviceID on identity change, and the per-boot assembly of
// the next-layer image certificate store out of the hub certificate (if
// any), the DeviceID certificate, and a freshly issued AliasID
// certificate.
//
// Certificate issuance is done directly with crypto/x509: the core has
// no network and no external CA to call out to, so it acts as its own
// enrollment authority for the two certificates it mints.
package certstore

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"go.lazarusboot.dev/lzcore/pkg/certbag"
	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
)

const organization = "Lazarus"
const country = "DE"

// IssueDeviceIDCertificate issues a DeviceID CSR-backed certificate:
// subject CN=DeviceID, O=Lazarus, C=DE, self-signed by the DeviceID
// keypair with a serial number derived from the DeviceID public key
// bytes, and returns it PEM-encoded.
//
// With no separate signing-authority process in this system, the core
// self-issues the certificate that would otherwise come back from a CSR
// submission: an isolated device without network connectivity must act
// as its own enrollment authority for its own identity record.
func IssueDeviceIDCertificate(deviceID *lzcrypto.KeyPair) ([]byte, error) {
	return issueSelfSigned(deviceID, deviceID, "DeviceID", "DeviceID")
}

// IssueAliasIDCertificate issues the per-boot AliasID certificate,
// issuer DeviceID, subject CN=AliasID, O=Lazarus, C=DE, signed by the
// DeviceID keypair.
func IssueAliasIDCertificate(deviceID, aliasID *lzcrypto.KeyPair) ([]byte, error) {
	return issueSelfSigned(deviceID, aliasID, "DeviceID", "AliasID")
}

func issueSelfSigned(signer, subjectKey *lzcrypto.KeyPair, issuerCN, subjectCN string) ([]byte, error) {
	serial, err := serialFromPublicKey(subjectKey)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   subjectCN,
			Organization: []string{organization},
			Country:      []string{country},
		},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).AddDate(30, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	// CreateCertificate takes the issuer name from the parent's Subject,
	// so the parent template carries the issuer CN even when signer and
	// subject are the same keypair.
	issuerSerial, err := serialFromPublicKey(signer)
	if err != nil {
		return nil, err
	}
	parent := &x509.Certificate{
		SerialNumber: issuerSerial,
		Subject: pkix.Name{
			CommonName:   issuerCN,
			Organization: []string{organization},
			Country:      []string{country},
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, subjectKey.Public(), signer.Private)
	if err != nil {
		return nil, fmt.Errorf("certstore: issuing %s certificate: %w", subjectCN, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// serialFromPublicKey derives a certificate serial number from the
// subject public key's PEM encoding, so the same key always gets the
// same serial.
func serialFromPublicKey(kp *lzcrypto.KeyPair) (*big.Int, error) {
	pub, err := lzcrypto.PubToPEM(kp)
	if err != nil {
		return nil, fmt.Errorf("certstore: encoding public key for serial derivation: %w", err)
	}
	digest := lzcrypto.SHA256(pub)
	serial := new(big.Int).SetBytes(digest[:])
	// x509 requires a positive serial number.
	return serial.Abs(serial), nil
}

// BuildImageCertStore assembles the volatile next-layer certificate
// store for handoff: hub certificate (if present), DeviceID certificate,
// and a freshly issued AliasID certificate, in that order.
func BuildImageCertStore(hubCertPEM, deviceIDCertPEM []byte, deviceID, aliasID *lzcrypto.KeyPair) (*certbag.Bag, error) {
	bag := certbag.New()
	if len(hubCertPEM) > 0 {
		if err := bag.Put(certbag.SlotHub, hubCertPEM); err != nil {
			return nil, err
		}
	}
	if err := bag.Put(certbag.SlotDeviceID, deviceIDCertPEM); err != nil {
		return nil, err
	}
	aliasCertPEM, err := IssueAliasIDCertificate(deviceID, aliasID)
	if err != nil {
		return nil, err
	}
	if err := bag.Put(certbag.SlotAliasID, aliasCertPEM); err != nil {
		return nil, err
	}
	return bag, nil
}
