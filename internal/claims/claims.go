// Package claims turns raw check results into signed Claims: the agent's
// graded assertion about a control domain, with a confidence score, a
// plain-English opinion, caveats, and remediation recommendations.
package claims

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/meridian/internal/canonical"
	"github.com/example/meridian/internal/checks"
	"github.com/example/meridian/internal/config"
	"github.com/example/meridian/internal/signing"
)

// Agent identity constants stamped into every claim and envelope.
const (
	AgentID      = "meridian-agent"
	AgentVersion = "2.0.0"

	// DefaultTTLSeconds bounds claim validity to one day; a run cycle never
	// covers a longer window.
	DefaultTTLSeconds = 86400
)

// Result grades a claim.
type Result string

const (
	ResultSatisfied     Result = "SATISFIED"
	ResultNotSatisfied  Result = "NOT_SATISFIED"
	ResultPartial       Result = "PARTIAL"
	ResultIndeterminate Result = "INDETERMINATE"
	ResultNotApplicable Result = "NOT_APPLICABLE"
)

// controlDomains maps control IDs to their dotted domain taxonomy path.
// Controls absent from the map get a synthetic default derived from the ID.
var controlDomains = map[string]string{
	"LA.01": "identity_and_access.logical_access.new_access",
	"LA.02": "identity_and_access.logical_access.terminations",
	"LA.03": "identity_and_access.logical_access.user_access_review",
	"LA.04": "identity_and_access.logical_access.admin_access",
}

// Domain returns the taxonomy path for a control ID.
func Domain(controlID string) string {
	if d, ok := controlDomains[controlID]; ok {
		return d
	}
	synthetic := strings.ToLower(strings.ReplaceAll(controlID, ".", "_"))
	return "identity_and_access.logical_access." + synthetic
}

// Scope describes what a claim covers.
type Scope struct {
	Environment string   `json:"environment"`
	Products    []string `json:"products"`
	Systems     []string `json:"systems"`
	Realm       string   `json:"realm"`
}

// Claim is a signed assertion about one control domain.
type Claim struct {
	ClaimID         string   `json:"claim_id"`
	Domain          string   `json:"domain"`
	Assertion       string   `json:"assertion"`
	Result          Result   `json:"result"`
	Confidence      float64  `json:"confidence"`
	EvidenceRefs    []string `json:"evidence_refs"`
	Opinion         string   `json:"opinion"`
	Caveats         []string `json:"caveats"`
	Recommendations []string `json:"recommendations"`
	Scope           Scope    `json:"scope"`
	ValidFrom       string   `json:"valid_from"`
	TTLSeconds      int      `json:"ttl_seconds"`
	AgentID         string   `json:"agent_id"`
	AgentVersion    string   `json:"agent_version"`
	Signature       string   `json:"signature"`
}

// signableClaim mirrors Claim without the signature; it is the exact view
// canonicalized for signing and verification.
type signableClaim struct {
	ClaimID         string   `json:"claim_id"`
	Domain          string   `json:"domain"`
	Assertion       string   `json:"assertion"`
	Result          Result   `json:"result"`
	Confidence      float64  `json:"confidence"`
	EvidenceRefs    []string `json:"evidence_refs"`
	Opinion         string   `json:"opinion"`
	Caveats         []string `json:"caveats"`
	Recommendations []string `json:"recommendations"`
	Scope           Scope    `json:"scope"`
	ValidFrom       string   `json:"valid_from"`
	TTLSeconds      int      `json:"ttl_seconds"`
	AgentID         string   `json:"agent_id"`
	AgentVersion    string   `json:"agent_version"`
}

// Signable returns every claim field except the signature.
func (c *Claim) Signable() any {
	return signableClaim{
		ClaimID:         c.ClaimID,
		Domain:          c.Domain,
		Assertion:       c.Assertion,
		Result:          c.Result,
		Confidence:      c.Confidence,
		EvidenceRefs:    c.EvidenceRefs,
		Opinion:         c.Opinion,
		Caveats:         c.Caveats,
		Recommendations: c.Recommendations,
		Scope:           c.Scope,
		ValidFrom:       c.ValidFrom,
		TTLSeconds:      c.TTLSeconds,
		AgentID:         c.AgentID,
		AgentVersion:    c.AgentVersion,
	}
}

// Verify checks the claim signature under kp.
func (c *Claim) Verify(kp *signing.KeyPair) bool {
	return kp.Verify(c.Signable(), c.Signature)
}

// round4 rounds to four decimal places, matching the precision recorded in
// stored claims and envelopes.
func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// Confidence derives the 0.0–1.0 confidence score for a check result.
//
//   - error: 0.1 — the evaluation itself failed, nothing can be asserted
//   - pass:  1.0
//   - fail:  population controls (LA.01, LA.02) score 1 minus the failure
//     rate so partial compliance is reflected; binary controls score 0.0
func Confidence(result checks.Result, controlID string) float64 {
	switch result.Status {
	case checks.StatusError:
		return 0.1
	case checks.StatusPass:
		return 1.0
	}

	summary := result.Summary

	switch controlID {
	case "LA.01":
		checked := summaryInt(summary, "recent_users_checked")
		missing := summaryInt(summary, "missing_approval")
		if checked > 0 {
			return round4(1.0 - float64(missing)/float64(checked))
		}
		return 0.0
	case "LA.02":
		tracked := summaryInt(summary, "disabled_users_with_sla_tracking")
		breaches := summaryInt(summary, "sla_breaches")
		if tracked > 0 {
			return round4(1.0 - float64(breaches)/float64(tracked))
		}
		return 0.0
	}

	// LA.03, LA.04, and anything else: binary.
	return 0.0
}

// Grade maps a check status and confidence to the claim result.
func Grade(status checks.Status, confidence float64) Result {
	switch status {
	case checks.StatusPass:
		return ResultSatisfied
	case checks.StatusError:
		return ResultIndeterminate
	}
	if confidence > 0.0 && confidence < 1.0 {
		return ResultPartial
	}
	return ResultNotSatisfied
}

// Build constructs and signs a Claim from a check result.
func Build(
	result checks.Result,
	evidenceID string,
	ctrl config.Control,
	kp *signing.KeyPair,
	productIDs []string,
	realm string,
) (*Claim, error) {
	confidence := Confidence(result, ctrl.ID)

	assertion := strings.TrimSpace(ctrl.Description)
	if assertion == "" {
		assertion = ctrl.Name
	}

	claim := &Claim{
		ClaimID:         uuid.NewString(),
		Domain:          Domain(ctrl.ID),
		Assertion:       assertion,
		Result:          Grade(result.Status, confidence),
		Confidence:      confidence,
		EvidenceRefs:    []string{evidenceID},
		Opinion:         buildOpinion(result, ctrl.ID, ctrl.Name),
		Caveats:         buildCaveats(result, ctrl.ID),
		Recommendations: buildRecommendations(result, ctrl.ID),
		Scope: Scope{
			Environment: "production",
			Products:    productIDs,
			Systems:     []string{"keycloak"},
			Realm:       realm,
		},
		ValidFrom:    canonical.Timestamp(time.Now()),
		TTLSeconds:   DefaultTTLSeconds,
		AgentID:      AgentID,
		AgentVersion: AgentVersion,
	}

	sig, err := kp.Sign(claim.Signable())
	if err != nil {
		return nil, fmt.Errorf("claims: sign: %w", err)
	}
	claim.Signature = sig
	return claim, nil
}

// =============================================================================
// Opinion / Caveat / Recommendation Templates
// =============================================================================

func buildOpinion(result checks.Result, controlID, controlName string) string {
	switch result.Status {
	case checks.StatusPass:
		return fmt.Sprintf("All checks for %s (%s) passed. No issues found.", controlID, controlName)
	case checks.StatusError:
		msg := "unknown error"
		if e, ok := result.Summary["error"].(string); ok && e != "" {
			msg = e
		}
		return fmt.Sprintf("The agent encountered an error evaluating %s: %s. Results are inconclusive.",
			controlID, msg)
	}

	summary := result.Summary

	switch controlID {
	case "LA.01":
		return fmt.Sprintf(
			"Of %d account(s) provisioned in the last %v days, %d lack the '%v' approval attribute. "+
				"This indicates accounts provisioned outside the approved workflow.",
			summaryInt(summary, "recent_users_checked"),
			summary["lookback_days"],
			summaryInt(summary, "missing_approval"),
			summary["required_attribute"])
	case "LA.02":
		return fmt.Sprintf(
			"%d of %d terminated account(s) were not disabled within the %v-day SLA. "+
				"Delayed revocation leaves residual access active.",
			summaryInt(summary, "sla_breaches"),
			summaryInt(summary, "disabled_users_with_sla_tracking"),
			summary["sla_days"])
	case "LA.03":
		if summary["days_since_uar"] == nil {
			return "No User Access Review completion date is recorded. The UAR is overdue."
		}
		return fmt.Sprintf(
			"The last User Access Review was completed %v days ago, exceeding the required cadence of every %v days.",
			summary["days_since_uar"], summary["max_days_since_uar"])
	case "LA.04":
		return fmt.Sprintf(
			"There are %d users with the '%v' role, exceeding the approved maximum of %v. "+
				"Excess privileged accounts expand blast radius.",
			summaryInt(summary, "admin_count"),
			summary["role_name"], summary["max_allowed"])
	}

	if result.ShortDescription != "" {
		return result.ShortDescription
	}
	return fmt.Sprintf("%s control check failed.", controlID)
}

func buildCaveats(result checks.Result, controlID string) []string {
	if result.Status == checks.StatusError {
		return []string{"Check failed with an error; evidence may be incomplete."}
	}
	if result.Status != checks.StatusFail {
		return []string{}
	}

	summary := result.Summary
	caveats := []string{}

	switch controlID {
	case "LA.01":
		caveats = append(caveats, fmt.Sprintf(
			"%d account(s) are missing the required approval attribute and may represent unauthorised access grants.",
			summaryInt(summary, "missing_approval")))
	case "LA.02":
		for _, f := range result.Findings {
			caveats = append(caveats, fmt.Sprintf(
				"User '%v' is %v day(s) overdue for access revocation.",
				f["username"], f["days_overdue"]))
		}
	case "LA.03":
		if summary["days_since_uar"] == nil {
			caveats = append(caveats, "No UAR completion date found in the realm configuration.")
		} else {
			overdue := summaryInt(summary, "days_since_uar") - summaryInt(summary, "max_days_since_uar")
			caveats = append(caveats, fmt.Sprintf("Access review is %d day(s) overdue.", overdue))
		}
	case "LA.04":
		excess := summaryInt(summary, "admin_count") - summaryInt(summary, "max_allowed")
		caveats = append(caveats, fmt.Sprintf(
			"%d excess privileged account(s) require immediate review and removal.", excess))
	}
	return caveats
}

var recommendations = map[string][]string{
	"LA.01": {
		"Audit provisioning workflow to enforce approval gates before account creation.",
		"Set the required 'approvedBy' attribute for all flagged accounts retroactively.",
		"Enable automated provisioning enforcement that blocks account creation without an approved request.",
	},
	"LA.02": {
		"Immediately disable access for all accounts past the SLA deadline.",
		"Implement automated deprovisioning triggered by termination events.",
		"Review and tighten the offboarding SLA with HR and IT operations.",
	},
	"LA.03": {
		"Complete a User Access Review immediately and record the date in realm attributes.",
		"Schedule quarterly UAR reminders and assign a named owner.",
		"Automate UAR initiation and tracking within the IAM platform.",
	},
	"LA.04": {
		"Immediately remove or downgrade excess privileged accounts.",
		"Implement a Just-in-Time (JIT) privileged access model.",
		"Establish a periodic admin account review cadence.",
	},
}

func buildRecommendations(result checks.Result, controlID string) []string {
	if result.Status != checks.StatusFail {
		return []string{}
	}
	if recs, ok := recommendations[controlID]; ok {
		return recs
	}
	return []string{"Review and remediate the identified control failure."}
}

// summaryInt reads an integer metric from a summary map, tolerating the
// numeric types JSON decoding produces.
func summaryInt(summary map[string]any, key string) int {
	switch t := summary[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}
