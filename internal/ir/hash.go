package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content fingerprints. The version suffix leaves room
// for changing the hashed fields later.
const (
	DomainChange = "changesync/change/v1"
	DomainBatch  = "changesync/batch/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint identifies the content of a proposed change: scope, table,
// kind, payload and author. Two admissions with the same id but different
// fingerprints indicate a client reusing an idempotency key.
func Fingerprint(c Change) (string, error) {
	obj := IRObject{
		"scope":   IRString(c.Scope().Key()),
		"table":   IRString(c.Table),
		"kind":    IRString(c.Kind),
		"author":  IRString(c.CreatedByID),
		"payload": c.Payload,
	}
	if c.Payload == nil {
		obj["payload"] = IRObject{}
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainChange, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error. Tests only.
func MustFingerprint(c Change) string {
	fp, err := Fingerprint(c)
	if err != nil {
		panic(err)
	}
	return fp
}

// BatchDigest hashes the ordered list of change ids in an admitted batch.
// It is logged with each admission so retries of the same batch can be
// correlated.
func BatchDigest(ids []string) string {
	arr := make(IRArray, len(ids))
	for i, id := range ids {
		arr[i] = IRString(id)
	}
	canonical, _ := MarshalCanonical(arr)
	return hashWithDomain(DomainBatch, canonical)
}
