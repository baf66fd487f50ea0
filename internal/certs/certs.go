package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	certFileName = "cert.crt"
	keyFileName  = "key.pem"

	keyBits  = 2048
	validFor = 10 * 365 * 24 * time.Hour
)

// Bundle holds the on-disk paths of the CA certificate and its private key.
// Both files exist whenever a Bundle is returned; a bundle with only one of
// the two files on disk is never handed out.
type Bundle struct {
	CertPath string
	KeyPath  string
}

// Provisioner creates and reuses the self-signed CA that the fetch-service
// uses to sign its TLS interception certificates. The CA is generated once
// per installation and reused across restarts.
type Provisioner struct {
	dir string
}

func NewProvisioner(dir string) *Provisioner {
	return &Provisioner{dir: dir}
}

// Obtain returns the certificate bundle, generating it on first use. If both
// files already exist they are returned unchanged. A partial bundle (one file
// missing) is treated as invalid and both files are regenerated. Writes go to
// temporary files in the same directory and are renamed into place, so a
// concurrent caller never observes a half-written bundle.
func (p *Provisioner) Obtain() (Bundle, error) {
	bundle := Bundle{
		CertPath: filepath.Join(p.dir, certFileName),
		KeyPath:  filepath.Join(p.dir, keyFileName),
	}

	certExists := fileExists(bundle.CertPath)
	keyExists := fileExists(bundle.KeyPath)
	if certExists && keyExists {
		return bundle, nil
	}

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return Bundle{}, fmt.Errorf("create certificate dir: %w", err)
	}

	certPEM, keyPEM, err := generateCA()
	if err != nil {
		return Bundle{}, fmt.Errorf("generate certificate: %w", err)
	}

	if err := writeAtomic(bundle.KeyPath, keyPEM, 0o600); err != nil {
		return Bundle{}, fmt.Errorf("write key: %w", err)
	}
	if err := writeAtomic(bundle.CertPath, certPEM, 0o644); err != nil {
		return Bundle{}, fmt.Errorf("write certificate: %w", err)
	}
	return bundle, nil
}

func generateCA() (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "fetch-service local CA"},
		NotBefore:             now,
		NotAfter:              now.Add(validFor),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
