package checks

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSignedCert builds a certificate the local TLS listener can serve.
// The defaults pass the hostname check for 127.0.0.1; mutate overrides
// fields per test.
func selfSignedCert(t *testing.T, mutate func(*x509.Certificate)) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1", Organization: []string{"unistatus test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(90 * 24 * time.Hour),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	if mutate != nil {
		mutate(tmpl)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// serveTLS runs a listener that completes handshakes with cert and hangs
// up. The executor only needs the handshake.
func serveTLS(t *testing.T, cert tls.Certificate) string {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				if tc, ok := c.(*tls.Conn); ok {
					tc.Handshake() //nolint:errcheck
				}
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSSLCheckExpiredCertificate(t *testing.T) {
	t.Parallel()

	addr := serveTLS(t, selfSignedCert(t, func(tmpl *x509.Certificate) {
		tmpl.NotBefore = time.Now().Add(-48 * time.Hour)
		tmpl.NotAfter = time.Now().Add(-24 * time.Hour)
	}))

	out, err := NewSSLExecutor().Check(context.Background(), &Input{
		Type:      TypeSSL,
		URL:       addr,
		TimeoutMs: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodeCertExpired, out.ErrorCode)

	// The certificate payload is captured before the policy runs, so even
	// a failing check carries the inspection data.
	require.Contains(t, out.Payload, "certificate")
	cert, ok := out.Payload["certificate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", cert["commonName"])
	assert.Contains(t, cert, "fingerprintSha256")
	assert.Contains(t, cert, "protocol")
	assert.Less(t, cert["daysUntilExpiry"].(int), 0)
}

func TestSSLCheckHostnameMismatch(t *testing.T) {
	t.Parallel()

	addr := serveTLS(t, selfSignedCert(t, func(tmpl *x509.Certificate) {
		tmpl.Subject.CommonName = "other.test"
		tmpl.IPAddresses = nil
		tmpl.DNSNames = []string{"other.test"}
	}))

	out, err := NewSSLExecutor().Check(context.Background(), &Input{
		Type:      TypeSSL,
		URL:       addr,
		TimeoutMs: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodeCertHostMismatch, out.ErrorCode)
}

func TestSSLCheckUntrustedChain(t *testing.T) {
	t.Parallel()

	// Dates and hostname are fine; the self-signed certificate is simply
	// not anchored anywhere, which is the next policy step.
	addr := serveTLS(t, selfSignedCert(t, nil))

	out, err := NewSSLExecutor().Check(context.Background(), &Input{
		Type:      TypeSSL,
		URL:       addr,
		TimeoutMs: 5000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodeCertChainInvalid, out.ErrorCode)
}

func TestSSLCheckConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	out, err := NewSSLExecutor().Check(context.Background(), &Input{
		Type:      TypeSSL,
		URL:       addr,
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, CodeConnRefused, out.ErrorCode)
}

// testChain builds a CA-signed leaf and returns both parsed certificates.
func testChain(t *testing.T) (ca, leaf *x509.Certificate) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "unistatus test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err = x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "leaf.test"},
		DNSNames:     []string{"leaf.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
	require.NoError(t, err)
	leaf, err = x509.ParseCertificate(leafDER)
	require.NoError(t, err)
	return ca, leaf
}

func TestPresentedChainComplete(t *testing.T) {
	t.Parallel()

	ca, leaf := testChain(t)

	cases := []struct {
		name  string
		chain []*x509.Certificate
		want  bool
	}{
		{"empty chain", nil, false},
		{"self-signed root alone", []*x509.Certificate{ca}, true},
		{"leaf with its root presented", []*x509.Certificate{leaf, ca}, true},
		{"leaf missing its root", []*x509.Certificate{leaf}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, presentedChainComplete(tc.chain))
		})
	}
}

func TestFindIssuer(t *testing.T) {
	t.Parallel()

	ca, leaf := testChain(t)

	assert.Equal(t, ca, findIssuer(leaf, []*x509.Certificate{leaf, ca}))
	assert.Nil(t, findIssuer(leaf, []*x509.Certificate{leaf}))
}

func TestTLSVersionFromName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want uint16
		ok   bool
	}{
		{"1.0", tls.VersionTLS10, true},
		{"1.2", tls.VersionTLS12, true},
		{"1.3", tls.VersionTLS13, true},
		{"TLS 1.2", tls.VersionTLS12, true},
		{"2.0", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := tlsVersionFromName(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}
