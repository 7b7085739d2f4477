package wsgshare

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"io/ioutil"
	"math/big"
	"path/filepath"
	"testing"
	"time"
)

func testCert(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "wsgate test client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestPublicKeyHash(t *testing.T) {
	cert := testCert(t)
	want := sha1.Sum(cert.RawSubjectPublicKeyInfo)
	got := PublicKeyHash(cert)
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("hash = %s", got)
	}
	if len(got) != 40 {
		t.Fatalf("hash length = %d, want 40 hex chars", len(got))
	}
}

func TestAdmitPeer(t *testing.T) {
	cert := testCert(t)
	hash := PublicKeyHash(cert)
	path := filepath.Join(t.TempDir(), "authorized_clients")
	if err := ioutil.WriteFile(path, []byte(hash+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWhitelist(testLogger(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// no TLS state at all
	if _, reason := AdmitPeer(w, nil); reason != AdmissionReasonNoCert {
		t.Fatalf("nil state: reason = %q", reason)
	}

	// TLS state without a peer certificate
	if _, reason := AdmitPeer(w, &tls.ConnectionState{}); reason != AdmissionReasonNoCert {
		t.Fatalf("no cert: reason = %q", reason)
	}

	// whitelisted
	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	gotHash, reason := AdmitPeer(w, state)
	if reason != "" {
		t.Fatalf("whitelisted cert rejected: %q", reason)
	}
	if gotHash != hash {
		t.Fatalf("hash = %s, want %s", gotHash, hash)
	}

	// not whitelisted
	other := testCert(t)
	state = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{other}}
	if _, reason := AdmitPeer(w, state); reason != AdmissionReasonNotWhitelist {
		t.Fatalf("unlisted cert: reason = %q", reason)
	}
}
