// Package checks implements the control rule evaluations. Each check is a
// pure function over a fresh IdP snapshot and the control's configured
// params, producing a Result that downstream components sign, chain, and
// grade.
package checks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/meridian/internal/canonical"
	"github.com/example/meridian/internal/config"
	"github.com/example/meridian/internal/keycloak"
)

// IdentityProvider is the read surface a check needs from the IdP.
type IdentityProvider interface {
	ListUsers(ctx context.Context) ([]keycloak.User, error)
	RoleUsers(ctx context.Context, roleName string) ([]keycloak.User, error)
	GetRealm(ctx context.Context) (keycloak.Realm, error)
}

// Status is the raw outcome of a check.
type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// Result is the output of one control evaluation.
type Result struct {
	Status  Status
	Summary map[string]any
	// Findings carries one record per affected subject, used for ticket and
	// opinion text.
	Findings []map[string]any
	// ShortDescription and Description are only set on fail; they become the
	// ticket subject and body.
	ShortDescription string
	Description      string
}

// Func evaluates one control against the IdP.
type Func func(ctx context.Context, idp IdentityProvider, params map[string]any) Result

// Registry maps check names (from controls.yaml) to implementations. The set
// is closed; unknown names are a configuration error surfaced at startup.
var Registry = map[string]Func{
	"new_access_no_approval": NewAccessNoApproval,
	"terminations_sla":       TerminationsSLA,
	"quarterly_uar":          QuarterlyUAR,
	"admin_access_count":     AdminAccessCount,
}

// Lookup returns the check function registered under name.
func Lookup(name string) (Func, bool) {
	fn, ok := Registry[name]
	return fn, ok
}

// ValidateControls confirms every configured control names a registered
// check. Run once at startup so a typo fails fast instead of silently
// skipping a control forever.
func ValidateControls(controls []config.Control) error {
	for _, ctrl := range controls {
		if _, ok := Registry[ctrl.Check]; !ok {
			return fmt.Errorf("%w: control %s references unknown check %q",
				config.ErrInvalid, ctrl.ID, ctrl.Check)
		}
	}
	return nil
}

func errorResult(err error) Result {
	return Result{Status: StatusError, Summary: map[string]any{"error": err.Error()}}
}

// firstAttribute returns the first value of a Keycloak list attribute.
func firstAttribute(attrs map[string][]string, key string) (string, bool) {
	vals, ok := attrs[key]
	if !ok || len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		return "", false
	}
	return vals[0], true
}

// parseAttributeTime parses an ISO-8601 attribute value, assuming UTC when
// no zone is present.
func parseAttributeTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	// Zoned layouts first; the bare layouts assume UTC (naive timestamps).
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// floorDays is the whole number of days between two instants, in UTC.
// Hour fractions are discarded: an interval of 25h is 1 day.
func floorDays(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return -floorDays(to, from)
	}
	return int(d.Hours() / 24)
}

// =============================================================================
// LA.01 — new_access_no_approval
// =============================================================================

// NewAccessNoApproval verifies that every account provisioned within the
// lookback window carries the required approval attribute.
func NewAccessNoApproval(ctx context.Context, idp IdentityProvider, params map[string]any) Result {
	lookbackDays := config.IntParam(params, "lookback_days", 30)
	requiredAttr := config.StringParam(params, "required_attribute", "approvedBy")

	cutoffMS := time.Now().UTC().AddDate(0, 0, -lookbackDays).UnixMilli()

	users, err := idp.ListUsers(ctx)
	if err != nil {
		return errorResult(err)
	}

	var recent []keycloak.User
	for _, u := range users {
		if u.Enabled && u.CreatedTimestamp >= cutoffMS {
			recent = append(recent, u)
		}
	}

	var nonCompliant []map[string]any
	for _, u := range recent {
		if _, ok := firstAttribute(u.Attributes, requiredAttr); !ok {
			created := time.UnixMilli(u.CreatedTimestamp).UTC()
			nonCompliant = append(nonCompliant, map[string]any{
				"username": u.Username,
				"user_id":  u.ID,
				"created":  canonical.Timestamp(created),
			})
		}
	}

	summary := map[string]any{
		"lookback_days":        lookbackDays,
		"required_attribute":   requiredAttr,
		"recent_users_checked": len(recent),
		"missing_approval":     len(nonCompliant),
	}

	if len(nonCompliant) > 0 {
		names := make([]string, len(nonCompliant))
		for i, f := range nonCompliant {
			names[i] = f["username"].(string)
		}
		return Result{
			Status:   StatusFail,
			Summary:  summary,
			Findings: nonCompliant,
			ShortDescription: fmt.Sprintf(
				"LA.01: %d new account(s) provisioned without approval record", len(nonCompliant)),
			Description: fmt.Sprintf(
				"%d account(s) created in the last %d days lack the '%s' attribute.\nAffected: %s",
				len(nonCompliant), lookbackDays, requiredAttr, strings.Join(names, ", ")),
		}
	}
	return Result{Status: StatusPass, Summary: summary}
}

// =============================================================================
// LA.02 — terminations_sla
// =============================================================================

// TerminationsSLA verifies that terminated accounts were disabled within the
// SLA window. Elapsed time is measured in whole UTC days: an account 25 hours
// past its termination request against a 1-day SLA is 1 day open and not yet
// a breach.
func TerminationsSLA(ctx context.Context, idp IdentityProvider, params map[string]any) Result {
	slaDays := config.IntParam(params, "sla_days", 1)
	termAttr := config.StringParam(params, "termination_attribute", "terminationRequestDate")

	users, err := idp.ListUsers(ctx)
	if err != nil {
		return errorResult(err)
	}

	now := time.Now().UTC()
	tracked := 0
	var breaches []map[string]any

	for _, u := range users {
		if u.Enabled {
			continue
		}
		raw, ok := firstAttribute(u.Attributes, termAttr)
		if !ok {
			continue // no SLA tracking attribute
		}

		termDate, err := parseAttributeTime(raw)
		if err != nil {
			// Bad data is skipped, not a breach; it still leaves an audit trail.
			slog.Warn("skipping unparseable termination date",
				"username", u.Username, "attribute", termAttr, "error", err)
			continue
		}
		tracked++

		daysOpen := floorDays(termDate, now)
		if daysOpen > slaDays {
			breaches = append(breaches, map[string]any{
				"username":              u.Username,
				"user_id":               u.ID,
				"termination_requested": canonical.Timestamp(termDate),
				"days_open":             daysOpen,
				"days_overdue":          daysOpen - slaDays,
			})
		}
	}

	summary := map[string]any{
		"sla_days":                         slaDays,
		"disabled_users_with_sla_tracking": tracked,
		"sla_breaches":                     len(breaches),
	}

	if len(breaches) > 0 {
		names := make([]string, len(breaches))
		worst := 0
		for i, b := range breaches {
			names[i] = b["username"].(string)
			if overdue := b["days_overdue"].(int); overdue > worst {
				worst = overdue
			}
		}
		return Result{
			Status:   StatusFail,
			Summary:  summary,
			Findings: breaches,
			ShortDescription: fmt.Sprintf(
				"LA.02: %d terminated account(s) breached the %d-day SLA (worst: %dd overdue)",
				len(breaches), slaDays, worst),
			Description: fmt.Sprintf(
				"%d account(s) were not disabled within the %d-day SLA after termination request.\nAffected: %s",
				len(breaches), slaDays, strings.Join(names, ", ")),
		}
	}
	return Result{Status: StatusPass, Summary: summary}
}

// =============================================================================
// LA.03 — quarterly_uar
// =============================================================================

// QuarterlyUAR verifies the realm's last User Access Review completion date
// is within the required cadence.
func QuarterlyUAR(ctx context.Context, idp IdentityProvider, params map[string]any) Result {
	maxDays := config.IntParam(params, "max_days_since_uar", 90)
	uarAttr := config.StringParam(params, "uar_attribute", "lastUarCompletedDate")

	realm, err := idp.GetRealm(ctx)
	if err != nil {
		return errorResult(err)
	}

	baseSummary := map[string]any{
		"max_days_since_uar": maxDays,
		"uar_attribute":      uarAttr,
	}

	uarVal, ok := realm.Attributes[uarAttr]
	if !ok || strings.TrimSpace(uarVal) == "" {
		summary := baseSummary
		summary["last_uar_date"] = nil
		summary["days_since_uar"] = nil
		return Result{
			Status:           StatusFail,
			Summary:          summary,
			ShortDescription: "LA.03: No UAR completion date recorded — review overdue",
			Description: "No User Access Review completion date found in the realm attributes. " +
				"A UAR must be completed and the date recorded.",
		}
	}

	uarDate, err := parseAttributeTime(uarVal)
	if err != nil {
		return errorResult(fmt.Errorf("invalid %s value: %q", uarAttr, uarVal))
	}

	daysSince := floorDays(uarDate, time.Now().UTC())
	summary := baseSummary
	summary["last_uar_date"] = uarVal
	summary["days_since_uar"] = daysSince

	if daysSince > maxDays {
		return Result{
			Status:  StatusFail,
			Summary: summary,
			ShortDescription: fmt.Sprintf(
				"LA.03: UAR overdue — last completed %d days ago (SLA: every %d days)",
				daysSince, maxDays),
			Description: fmt.Sprintf(
				"The last User Access Review was completed %d days ago (%s). "+
					"The required cadence is every %d days.",
				daysSince, uarVal, maxDays),
		}
	}
	return Result{Status: StatusPass, Summary: summary}
}

// =============================================================================
// LA.04 — admin_access_count
// =============================================================================

// AdminAccessCount verifies the privileged role's member count stays within
// the approved threshold.
func AdminAccessCount(ctx context.Context, idp IdentityProvider, params map[string]any) Result {
	roleName := config.StringParam(params, "role_name", "admin")
	maxAdmins := config.IntParam(params, "max_admins", 3)

	admins, err := idp.RoleUsers(ctx, roleName)
	if err != nil {
		return Result{Status: StatusError, Summary: map[string]any{
			"error":     err.Error(),
			"role_name": roleName,
		}}
	}

	summary := map[string]any{
		"role_name":   roleName,
		"admin_count": len(admins),
		"max_allowed": maxAdmins,
	}

	if len(admins) > maxAdmins {
		findings := make([]map[string]any, len(admins))
		for i, u := range admins {
			findings[i] = map[string]any{"username": u.Username, "user_id": u.ID}
		}
		return Result{
			Status:   StatusFail,
			Summary:  summary,
			Findings: findings,
			ShortDescription: fmt.Sprintf(
				"LA.04: Admin account count (%d) exceeds threshold (%d)", len(admins), maxAdmins),
			Description: fmt.Sprintf(
				"The realm has %d users with the '%s' role, exceeding the approved maximum of %d.",
				len(admins), roleName, maxAdmins),
		}
	}
	return Result{Status: StatusPass, Summary: summary}
}
