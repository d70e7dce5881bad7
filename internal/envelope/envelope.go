// Package envelope builds TrustEnvelopes: the signed, top-level attestation
// for one control × product pair, wrapping the cycle's Claims with the
// evidence Merkle root, composite confidence, and a qualitative trust level.
package envelope

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/meridian/internal/canonical"
	"github.com/example/meridian/internal/claims"
	"github.com/example/meridian/internal/config"
	"github.com/example/meridian/internal/merkle"
	"github.com/example/meridian/internal/signing"
)

// validityWindow is how long an envelope remains valid after issuance.
const validityWindow = 86400 * time.Second

// TrustLevel is the qualitative band derived from composite confidence.
type TrustLevel string

const (
	TrustVerified TrustLevel = "VERIFIED" // >= 0.95
	TrustHigh     TrustLevel = "HIGH"     // >= 0.75
	TrustMedium   TrustLevel = "MEDIUM"   // >= 0.55
	TrustLow      TrustLevel = "LOW"      // >= 0.30
	TrustCritical TrustLevel = "CRITICAL" // <  0.30
)

// DisclosureLevel controls how much an envelope reveals.
type DisclosureLevel string

const (
	DisclosureFull          DisclosureLevel = "FULL"
	DisclosureClaimsOnly    DisclosureLevel = "CLAIMS_ONLY"
	DisclosureZeroKnowledge DisclosureLevel = "ZERO_KNOWLEDGE"
)

// ComputeTrustLevel maps a composite confidence to its trust level band.
func ComputeTrustLevel(compositeConfidence float64) TrustLevel {
	switch {
	case compositeConfidence >= 0.95:
		return TrustVerified
	case compositeConfidence >= 0.75:
		return TrustHigh
	case compositeConfidence >= 0.55:
		return TrustMedium
	case compositeConfidence >= 0.30:
		return TrustLow
	default:
		return TrustCritical
	}
}

// EvidenceSummary captures the Merkle log state backing an envelope.
type EvidenceSummary struct {
	TotalItems            int      `json:"total_items"`
	MerkleRoot            *string  `json:"merkle_root"`
	CollectionWindowStart string   `json:"collection_window_start"`
	CollectionWindowEnd   string   `json:"collection_window_end"`
	DomainsCovered        []string `json:"domains_covered"`
}

// DomainScore aggregates claim outcomes within one domain.
type DomainScore struct {
	Satisfied     int     `json:"satisfied"`
	Total         int     `json:"total"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// TrustEnvelope is the signed aggregate for one control × product pair.
type TrustEnvelope struct {
	EnvelopeID          string                 `json:"envelope_id"`
	ControlID           string                 `json:"control_id"`
	ControlName         string                 `json:"control_name"`
	ProductID           string                 `json:"product_id"`
	Claims              []claims.Claim         `json:"claims"`
	EvidenceSummary     EvidenceSummary        `json:"evidence_summary"`
	TrustLevel          TrustLevel             `json:"trust_level"`
	CompositeConfidence float64                `json:"composite_confidence"`
	DomainScores        map[string]DomainScore `json:"domain_scores"`
	DisclosureLevel     DisclosureLevel        `json:"disclosure_level"`
	ValidFrom           string                 `json:"valid_from"`
	ValidUntil          string                 `json:"valid_until"`
	AgentID             string                 `json:"agent_id"`
	AgentVersion        string                 `json:"agent_version"`
	PublicKey           string                 `json:"public_key"`
	FrameworkMappings   map[string][]string    `json:"framework_mappings"`
	Signature           string                 `json:"signature"`
}

// signableEnvelope mirrors TrustEnvelope without the signature.
type signableEnvelope struct {
	EnvelopeID          string                 `json:"envelope_id"`
	ControlID           string                 `json:"control_id"`
	ControlName         string                 `json:"control_name"`
	ProductID           string                 `json:"product_id"`
	Claims              []claims.Claim         `json:"claims"`
	EvidenceSummary     EvidenceSummary        `json:"evidence_summary"`
	TrustLevel          TrustLevel             `json:"trust_level"`
	CompositeConfidence float64                `json:"composite_confidence"`
	DomainScores        map[string]DomainScore `json:"domain_scores"`
	DisclosureLevel     DisclosureLevel        `json:"disclosure_level"`
	ValidFrom           string                 `json:"valid_from"`
	ValidUntil          string                 `json:"valid_until"`
	AgentID             string                 `json:"agent_id"`
	AgentVersion        string                 `json:"agent_version"`
	PublicKey           string                 `json:"public_key"`
	FrameworkMappings   map[string][]string    `json:"framework_mappings"`
}

// Signable returns every envelope field except the signature.
func (e *TrustEnvelope) Signable() any {
	return signableEnvelope{
		EnvelopeID:          e.EnvelopeID,
		ControlID:           e.ControlID,
		ControlName:         e.ControlName,
		ProductID:           e.ProductID,
		Claims:              e.Claims,
		EvidenceSummary:     e.EvidenceSummary,
		TrustLevel:          e.TrustLevel,
		CompositeConfidence: e.CompositeConfidence,
		DomainScores:        e.DomainScores,
		DisclosureLevel:     e.DisclosureLevel,
		ValidFrom:           e.ValidFrom,
		ValidUntil:          e.ValidUntil,
		AgentID:             e.AgentID,
		AgentVersion:        e.AgentVersion,
		PublicKey:           e.PublicKey,
		FrameworkMappings:   e.FrameworkMappings,
	}
}

// Verify checks the envelope signature under kp.
func (e *TrustEnvelope) Verify(kp *signing.KeyPair) bool {
	return kp.Verify(e.Signable(), e.Signature)
}

// VerifyMap re-verifies a stored envelope document: the signature field is
// stripped, the remainder canonicalized, and checked against the embedded
// public key. Used by the dashboard read path.
func VerifyMap(doc map[string]any) bool {
	sig, _ := doc["signature"].(string)
	pubHex, _ := doc["public_key"].(string)
	if sig == "" || pubHex == "" {
		return false
	}
	signable := make(map[string]any, len(doc)-1)
	for k, v := range doc {
		if k != "signature" {
			signable[k] = v
		}
	}
	return signing.VerifyWithPublicKeyHex(pubHex, signable, sig)
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// computeDomainScores groups claims by domain and scores each group.
func computeDomainScores(claimList []claims.Claim) map[string]DomainScore {
	type acc struct {
		satisfied     int
		total         int
		confidenceSum float64
	}
	byDomain := make(map[string]*acc)
	for _, c := range claimList {
		a, ok := byDomain[c.Domain]
		if !ok {
			a = &acc{}
			byDomain[c.Domain] = a
		}
		a.total++
		a.confidenceSum += c.Confidence
		if c.Result == claims.ResultSatisfied {
			a.satisfied++
		}
	}

	scores := make(map[string]DomainScore, len(byDomain))
	for domain, a := range byDomain {
		avg := 0.0
		if a.total > 0 {
			avg = round4(a.confidenceSum / float64(a.total))
		}
		scores[domain] = DomainScore{Satisfied: a.satisfied, Total: a.total, AvgConfidence: avg}
	}
	return scores
}

// Build constructs and signs a TrustEnvelope for one control × product pair
// against the current Merkle log state.
func Build(
	ctrl config.Control,
	productID string,
	claimList []claims.Claim,
	log *merkle.Log,
	kp *signing.KeyPair,
	collectionWindowStart string,
	disclosure DisclosureLevel,
) (*TrustEnvelope, error) {
	now := time.Now().UTC()
	validFrom := canonical.Timestamp(now)
	validUntil := canonical.Timestamp(now.Add(validityWindow))

	composite := 0.0
	if len(claimList) > 0 {
		sum := 0.0
		for _, c := range claimList {
			sum += c.Confidence
		}
		composite = round4(sum / float64(len(claimList)))
	}

	domainScores := computeDomainScores(claimList)
	domains := make([]string, 0, len(domainScores))
	for d := range domainScores {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	env := &TrustEnvelope{
		EnvelopeID:          uuid.NewString(),
		ControlID:           ctrl.ID,
		ControlName:         ctrl.Name,
		ProductID:           productID,
		Claims:              claimList,
		EvidenceSummary: EvidenceSummary{
			TotalItems:            log.Count(),
			MerkleRoot:            log.RootOrNil(),
			CollectionWindowStart: collectionWindowStart,
			CollectionWindowEnd:   validFrom,
			DomainsCovered:        domains,
		},
		TrustLevel:          ComputeTrustLevel(composite),
		CompositeConfidence: composite,
		DomainScores:        domainScores,
		DisclosureLevel:     disclosure,
		ValidFrom:           validFrom,
		ValidUntil:          validUntil,
		AgentID:             claims.AgentID,
		AgentVersion:        claims.AgentVersion,
		PublicKey:           kp.PublicKeyHex(),
		FrameworkMappings:   ctrl.FrameworkMappings,
	}

	sig, err := kp.Sign(env.Signable())
	if err != nil {
		return nil, fmt.Errorf("envelope: sign: %w", err)
	}
	env.Signature = sig
	return env, nil
}
