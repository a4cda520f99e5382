package service

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// NormalizeCounterparty canonicalizes a token or wallet reference. EVM
// addresses are checksummed so mixed-case submissions collide; anything
// else (mints on other chains, venue symbols) is lowercased.
func NormalizeCounterparty(raw string) string {
	raw = strings.TrimSpace(raw)
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw).Hex()
	}
	return strings.ToLower(raw)
}

// RouteSignature derives the duplicate-detection key for a candidate. Two
// candidates with the same category, venue and counterparty set are the
// same route regardless of counterparty order.
func RouteSignature(req *model.CandidateRequest) string {
	parties := make([]string, 0, len(req.Counterparties))
	for _, cp := range req.Counterparties {
		parties = append(parties, NormalizeCounterparty(cp))
	}
	sort.Strings(parties)

	h := sha256.New()
	h.Write([]byte(string(req.Category)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(req.Venue))))
	for _, p := range parties {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
