package risk

import (
	"encoding/hex"
	"time"

	"github.com/proctorly/attempt-engine/internal/model"
	"golang.org/x/crypto/blake2b"
)

// ChainDigest computes the tamper-evident digest for an event given its
// predecessor's digest ("" for the first event of an attempt). Recomputing
// the chain over the stored log and comparing the tail digest detects any
// insertion, deletion or mutation of persisted events.
func ChainDigest(prev string, ev *model.TelemetryEvent) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prev))
	h.Write([]byte(ev.AttemptID.String()))
	h.Write([]byte(ev.EventType))
	h.Write([]byte(ev.OccurredAt.UTC().Format(time.RFC3339Nano)))
	h.Write(ev.Metadata)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks an ordered event log and reports whether every stored
// digest matches the recomputed chain.
func VerifyChain(events []model.TelemetryEvent) bool {
	prev := ""
	for i := range events {
		if events[i].ChainDigest != ChainDigest(prev, &events[i]) {
			return false
		}
		prev = events[i].ChainDigest
	}
	return true
}
