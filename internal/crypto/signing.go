package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Signer wraps a pre-provisioned RSA keypair. Keys are loaded once at
// startup and treated as read-only shared state; signatures are RSA-PSS
// over SHA-256 with MGF1-SHA256 and max-length salt.
type Signer struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
	KeyID   string
}

var pssOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}

// LoadSigner reads both PEM key files and fails if they do not form a pair.
// A load failure here is fatal at startup by design.
func LoadSigner(privatePath, publicPath string) (*Signer, error) {
	priv, err := loadPrivateKey(privatePath)
	if err != nil {
		return nil, err
	}
	pub, err := loadPublicKey(publicPath)
	if err != nil {
		return nil, err
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
		return nil, errors.New("public key does not match private key")
	}
	return &Signer{Private: priv, Public: pub, KeyID: keyID(pub)}, nil
}

func (s *Signer) Sign(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, s.Private, crypto.SHA256, digest[:], pssOpts)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify reports whether signatureHex is a valid PSS signature over payload.
// Verification failure is data, not an exceptional condition: malformed hex
// and cryptographic mismatches both return false.
func Verify(pub *rsa.PublicKey, payload []byte, signatureHex string) bool {
	if pub == nil {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOpts) == nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.New("invalid private key pem")
	}
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		pk, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not rsa")
		}
		return pk, nil
	}
	pk, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKey(buf)
}

// ParsePublicKey accepts PKIX or PKCS1 PEM encodings.
func ParsePublicKey(buf []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.New("invalid public key pem")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pk, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pk, nil
	}
	pk, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pk, nil
}

func keyID(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "rsa:unknown"
	}
	h := sha256.Sum256(der)
	return "rsa:" + hex.EncodeToString(h[:8])
}
