/*
 * Copyright (c) 2026, VHood Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package access

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/vhood-net/vhood-tunnel-core/vhood/common/errors"
)

const (
	certificateFileName = "default.crt"
	privateKeyFileName  = "default.key"

	certificateValidity = 10 * 365 * 24 * time.Hour
)

// loadOrCreateCertificate returns the server TLS certificate, creating a
// self-signed one on first start. Clients pin the certificate by hash via
// the token's CertificateHash field, so a self-signed certificate carries
// no trust penalty.
func (s *storage) loadOrCreateCertificate(
	commonName string) (tls.Certificate, error) {

	certificatePath := filepath.Join(
		s.path, certificatesDirName, certificateFileName)
	keyPath := filepath.Join(
		s.path, certificatesDirName, privateKeyFileName)

	certificate, err := tls.LoadX509KeyPair(certificatePath, keyPath)
	if err == nil {
		return certificate, nil
	}

	certificatePEM, keyPEM, err := generateCertificate(commonName)
	if err != nil {
		return tls.Certificate{}, errors.Trace(err)
	}

	err = os.WriteFile(certificatePath, certificatePEM, 0600)
	if err != nil {
		return tls.Certificate{}, errors.Trace(err)
	}
	err = os.WriteFile(keyPath, keyPEM, 0600)
	if err != nil {
		return tls.Certificate{}, errors.Trace(err)
	}

	certificate, err = tls.X509KeyPair(certificatePEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.Trace(err)
	}
	return certificate, nil
}

func generateCertificate(commonName string) ([]byte, []byte, error) {

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName},
	}

	derBytes, err := x509.CreateCertificate(
		rand.Reader, &template, &template,
		&privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	certificatePEM := pem.EncodeToMemory(
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	keyPEM := pem.EncodeToMemory(
		&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certificatePEM, keyPEM, nil
}

// certificateHash returns the SHA-256 fingerprint pinned in access keys.
func certificateHash(certificate tls.Certificate) ([]byte, error) {
	if len(certificate.Certificate) == 0 {
		return nil, errors.TraceNew("empty certificate chain")
	}
	hash := sha256.Sum256(certificate.Certificate[0])
	return hash[:], nil
}

// defaultCommonName derives a certificate host name from the server id, so
// SNI does not expose a recognizable service name.
func defaultCommonName(serverID string) string {
	suffix := serverID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s.local", suffix)
}
