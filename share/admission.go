package wsgshare

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
)

// Admission rejection reasons, sent verbatim in the websocket close
// frame (code 1001)
const (
	AdmissionReasonNoCert       = "Client certificate required"
	AdmissionReasonNotWhitelist = "Client certificate not whitelisted"
)

// PublicKeyHash computes the lowercase hex SHA-1 digest of a
// certificate's DER-encoded subject public key. SHA-1 here is a
// fingerprint of an operator-provisioned key, not a security primitive.
func PublicKeyHash(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

// AdmitPeer runs the admission check for one incoming control channel:
// a peer certificate must be present, its subject public key
// extractable, and the key's SHA-1 digest in the current allow-list
// snapshot. Returns the key hash and an empty reason on success, or a
// rejection reason for the close frame. Signature-chain validation is
// not performed; the allow-list is the trust root.
func AdmitPeer(whitelist *Whitelist, state *tls.ConnectionState) (hash string, reason string) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return "", AdmissionReasonNoCert
	}
	cert := state.PeerCertificates[0]
	if len(cert.RawSubjectPublicKeyInfo) == 0 {
		return "", AdmissionReasonNoCert
	}
	hash = PublicKeyHash(cert)
	if !whitelist.Allowed(hash) {
		return hash, AdmissionReasonNotWhitelist
	}
	return hash, ""
}
