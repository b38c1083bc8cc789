package image

import (
	"testing"

	"go.lazarusboot.dev/lzcore/pkg/datastore"
	"go.lazarusboot.dev/lzcore/pkg/lzcrypto"
)

func buildSignedHeader(t *testing.T, authority *lzcrypto.KeyPair, code []byte, version uint32, issueTime int64) *Header {
	t.Helper()
	digest := lzcrypto.SHA256(code)
	h := &Header{
		Magic:     Magic,
		HdrSize:   uint32(fixedHeaderSize + 72), // leave room for a signature trailer (DER P-256: at most 72 bytes)
		Size:      uint32(len(code)),
		Version:   version,
		IssueTime: issueTime,
		Digest:    digest,
	}
	copy(h.Name[:], "app")
	sig, err := lzcrypto.Sign(authority, h.SignedContent())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	h.Signature = sig
	return h
}

func codeAuthority(t *testing.T) (*lzcrypto.KeyPair, []byte) {
	t.Helper()
	kp, err := lzcrypto.DeriveKeyPair([]byte("code-authority-seed"))
	if err != nil {
		t.Fatalf("DeriveKeyPair: %v", err)
	}
	pub, err := lzcrypto.PubToPEM(kp)
	if err != nil {
		t.Fatalf("PubToPEM: %v", err)
	}
	return kp, pub
}

func TestVerifyAcceptsFreshImage(t *testing.T) {
	authority, authorityPub := codeAuthority(t)
	code := []byte("the app's executable bytes")
	h := buildSignedHeader(t, authority, code, 2, 2000)
	meta := datastore.ImageMetadata{Magic: datastore.Magic, LastVersion: 1, LastIssueTime: 1000}

	if err := Verify(h, code, int(h.HdrSize), authorityPub, meta); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyAllowsTiedVersionAndIssueTime(t *testing.T) {
	authority, authorityPub := codeAuthority(t)
	code := []byte("same image, re-verified")
	h := buildSignedHeader(t, authority, code, 2, 2000)
	meta := datastore.ImageMetadata{Magic: datastore.Magic, LastVersion: 2, LastIssueTime: 2000}

	if err := Verify(h, code, int(h.HdrSize), authorityPub, meta); err != nil {
		t.Fatalf("Verify with tied watermark: %v", err)
	}
}

func TestVerifyRejectsRollback(t *testing.T) {
	authority, authorityPub := codeAuthority(t)
	code := []byte("an older image")
	h := buildSignedHeader(t, authority, code, 1, 1000)
	meta := datastore.ImageMetadata{Magic: datastore.Magic, LastVersion: 2, LastIssueTime: 2000}

	if err := Verify(h, code, int(h.HdrSize), authorityPub, meta); err != ErrRollback {
		t.Fatalf("Verify on rolled back image = %v, want ErrRollback", err)
	}
}

func TestVerifyRejectsCodePointerMismatch(t *testing.T) {
	authority, authorityPub := codeAuthority(t)
	code := []byte("payload")
	h := buildSignedHeader(t, authority, code, 1, 1000)
	meta := datastore.ImageMetadata{Magic: datastore.Magic}

	if err := Verify(h, code, int(h.HdrSize)+1, authorityPub, meta); err != ErrCodePointerMismatch {
		t.Fatalf("Verify with mismatched code pointer = %v, want ErrCodePointerMismatch", err)
	}
}

func TestVerifyRejectsTamperedCode(t *testing.T) {
	authority, authorityPub := codeAuthority(t)
	code := []byte("payload bytes")
	h := buildSignedHeader(t, authority, code, 1, 1000)
	meta := datastore.ImageMetadata{Magic: datastore.Magic}

	tampered := append([]byte(nil), code...)
	tampered[0] ^= 0xFF
	if err := Verify(h, tampered, int(h.HdrSize), authorityPub, meta); err != ErrDigestMismatch {
		t.Fatalf("Verify with tampered code = %v, want ErrDigestMismatch", err)
	}
}

func TestVerifyRejectsInvalidMetadataMagic(t *testing.T) {
	authority, authorityPub := codeAuthority(t)
	code := []byte("payload")
	h := buildSignedHeader(t, authority, code, 1, 1000)
	meta := datastore.ImageMetadata{} // zero value: magic not set

	if err := Verify(h, code, int(h.HdrSize), authorityPub, meta); err != ErrBadMetadata {
		t.Fatalf("Verify with unset metadata magic = %v, want ErrBadMetadata", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	authority, _ := codeAuthority(t)
	code := []byte("round trip bytes")
	h := buildSignedHeader(t, authority, code, 5, 500)

	decoded, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if decoded.Version != h.Version || decoded.IssueTime != h.IssueTime || decoded.Digest != h.Digest {
		t.Fatalf("decoded header does not match original: %+v vs %+v", decoded, h)
	}
}
