package devices

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSignature means the key parsed but the signature did not
	// verify; the upload is stored with status "failed".
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrKeyMismatch means the envelope key differs from the registered one.
	ErrKeyMismatch = errors.New("public key does not match registered key")
)

// NormalizeKey strips carriage returns and trailing whitespace so keys
// compare byte-for-byte regardless of the platform that exported them.
func NormalizeKey(pemText string) string {
	return strings.TrimSpace(strings.ReplaceAll(pemText, "\r\n", "\n"))
}

// IsMVPKey reports whether the key material is the bootstrap marker rather
// than a real public key: a PEM body that base64-decodes to a "DEVICE:"
// prefix. Uploads under such keys are tagged verified-mvp without a
// cryptographic check.
func IsMVPKey(pemText string) bool {
	body := pemBody(pemText)
	if body == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(decoded), "DEVICE:")
}

func pemBody(pemText string) string {
	var lines []string
	for _, line := range strings.Split(NormalizeKey(pemText), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "")
}

// VerifyECDSA checks an ASN.1 DER ECDSA(SHA-256) signature over message
// using a PEM-encoded P-256 public key. A bad signature returns
// ErrInvalidSignature; unparseable inputs return other errors so callers
// can distinguish "failed" from "error-mvp".
func VerifyECDSA(pemText string, message []byte, signatureB64 string) error {
	block, _ := pem.Decode([]byte(NormalizeKey(pemText)))
	if block == nil {
		return fmt.Errorf("key is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("key is not an EC public key")
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(ecPub, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
