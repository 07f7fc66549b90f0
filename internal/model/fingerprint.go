package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// FailureFingerprint identifies a failure mode: the set of failing
// criteria plus the dominant error category. Two iterations with the
// same fingerprint made no forward progress.
type FailureFingerprint string

// Fingerprint computes the failure fingerprint for a report. The failing
// id set is sorted so ordering differences do not change the hash.
func Fingerprint(report VerificationReport) FailureFingerprint {
	failing := report.FailingIDs()
	sort.Strings(failing)
	h := sha256.New()
	h.Write([]byte(strings.Join(failing, "\n")))
	h.Write([]byte("\x00"))
	h.Write([]byte(report.DominantCategory()))
	return FailureFingerprint(hex.EncodeToString(h.Sum(nil))[:16])
}
