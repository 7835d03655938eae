// Package fairness implements the commit-reveal provable-fairness scheme
// for the round engine: a server seed is generated and committed to before
// betting opens, and the crash point is a deterministic function of that
// seed and the client entropy contributed by bettors, so no party (operator
// included) can know or influence the outcome before bets close.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MinMultiplierPPM is 1.00x expressed in parts-per-million.
	MinMultiplierPPM int64 = 1_000_000
	// MaxMultiplierPPM is 1000.00x expressed in parts-per-million.
	MaxMultiplierPPM int64 = 1_000_000_000

	// DefaultHouseEdge is the houseEdge term of the crash formula. Every r
	// above 99/101 yields a crash of exactly 1.00x, so with this default
	// about 2% of rounds crash instantly.
	DefaultHouseEdge = 0.01
)

var two52 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 52))

// GenerateSeed returns a cryptographically secure 256-bit hex-encoded seed,
// used as the round's server_seed.
func GenerateSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("fairness: generate seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashCommitment returns the SHA-256 commitment published at betting open,
// ahead of the seed's reveal at settlement.
func HashCommitment(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// CrashPointPPM computes the deterministic crash multiplier, in
// parts-per-million, from the revealed server seed and the committed
// client entropy:
//
//	h   = keccak256(serverSeed || clientEntropy)
//	r   = (h mod 2^52) / 2^52                       // uniform in [0,1)
//	raw = floor(100 × (1 − houseEdge) / max(r, 1e-12)) / 100
//	crash = clamp(raw, 1.00, 1000.00)
//
// houseEdge <= 0 defaults to DefaultHouseEdge.
func CrashPointPPM(serverSeed, clientEntropy string, houseEdge float64) int64 {
	if houseEdge <= 0 {
		houseEdge = DefaultHouseEdge
	}

	h := crypto.Keccak256([]byte(serverSeed + clientEntropy))
	hInt := new(big.Int).SetBytes(h)
	hMod := new(big.Int).Mod(hInt, new(big.Int).Lsh(big.NewInt(1), 52))

	r, _ := new(big.Float).Quo(new(big.Float).SetInt(hMod), two52).Float64()
	if r < 1e-12 {
		r = 1e-12
	}

	raw := math.Floor(100*(1-houseEdge)/r) / 100
	ppm := int64(math.Round(raw * 1_000_000))

	if ppm < MinMultiplierPPM {
		ppm = MinMultiplierPPM
	}
	if ppm > MaxMultiplierPPM {
		ppm = MaxMultiplierPPM
	}
	return ppm
}

// VerifyRound recomputes the crash point from the revealed seed and
// entropy and reports whether it matches the claimed value, letting an
// external party verify a settled round's fairness.
func VerifyRound(serverSeed, clientEntropy string, houseEdge float64, claimedPPM int64) bool {
	return CrashPointPPM(serverSeed, clientEntropy, houseEdge) == claimedPPM
}

// ClientEntropy derives the client_entropy commitment from the ordered list
// of bet IDs accepted during the betting phase: the SHA-256 hash of the IDs
// in acceptance order, each followed by a zero byte. Computed when betting closes, so no
// bet placed after entropy is fixed can influence the outcome.
func ClientEntropy(betIDsInAcceptanceOrder []string) string {
	h := sha256.New()
	for _, id := range betIDsInAcceptanceOrder {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
