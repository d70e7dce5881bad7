package checks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/meridian/internal/config"
	"github.com/example/meridian/internal/keycloak"
)

// fakeIdP is an in-memory IdentityProvider for check tests.
type fakeIdP struct {
	users     []keycloak.User
	roleUsers map[string][]keycloak.User
	realm     keycloak.Realm
	listErr   error
	roleErr   error
	realmErr  error
}

func (f *fakeIdP) ListUsers(ctx context.Context) ([]keycloak.User, error) {
	return f.users, f.listErr
}

func (f *fakeIdP) RoleUsers(ctx context.Context, roleName string) ([]keycloak.User, error) {
	return f.roleUsers[roleName], f.roleErr
}

func (f *fakeIdP) GetRealm(ctx context.Context) (keycloak.Realm, error) {
	return f.realm, f.realmErr
}

func msAgo(d time.Duration) int64 {
	return time.Now().UTC().Add(-d).UnixMilli()
}

func isoAgo(d time.Duration) string {
	return time.Now().UTC().Add(-d).Format(time.RFC3339)
}

func enabledUser(id, username string, createdAgo time.Duration, attrs map[string][]string) keycloak.User {
	return keycloak.User{
		ID: id, Username: username, Enabled: true,
		CreatedTimestamp: msAgo(createdAgo), Attributes: attrs,
	}
}

// =============================================================================
// LA.01
// =============================================================================

func TestNewAccessNoApprovalPass(t *testing.T) {
	idp := &fakeIdP{users: []keycloak.User{
		enabledUser("u1", "alice", 24*time.Hour, map[string][]string{"approvedBy": {"cto"}}),
		enabledUser("u2", "bob", 48*time.Hour, map[string][]string{"approvedBy": {"cto"}}),
	}}

	res := NewAccessNoApproval(context.Background(), idp, nil)
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 2, res.Summary["recent_users_checked"])
	assert.Equal(t, 0, res.Summary["missing_approval"])
	assert.Empty(t, res.ShortDescription)
}

func TestNewAccessNoApprovalFail(t *testing.T) {
	// Six recent enabled users, two without the approval attribute.
	users := []keycloak.User{
		enabledUser("u1", "a1", 1*24*time.Hour, map[string][]string{"approvedBy": {"mgr"}}),
		enabledUser("u2", "a2", 2*24*time.Hour, map[string][]string{"approvedBy": {"mgr"}}),
		enabledUser("u3", "a3", 3*24*time.Hour, map[string][]string{"approvedBy": {"mgr"}}),
		enabledUser("u4", "a4", 4*24*time.Hour, map[string][]string{"approvedBy": {"mgr"}}),
		enabledUser("u5", "ghost1", 5*24*time.Hour, nil),
		enabledUser("u6", "ghost2", 6*24*time.Hour, map[string][]string{"approvedBy": {""}}),
	}
	idp := &fakeIdP{users: users}

	res := NewAccessNoApproval(context.Background(), idp, map[string]any{"lookback_days": 30})
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 6, res.Summary["recent_users_checked"])
	assert.Equal(t, 2, res.Summary["missing_approval"])
	require.Len(t, res.Findings, 2)
	assert.Contains(t, res.Description, "ghost1, ghost2")
}

func TestNewAccessNoApprovalIgnoresOldAndDisabled(t *testing.T) {
	users := []keycloak.User{
		enabledUser("u1", "ancient", 90*24*time.Hour, nil), // outside lookback
		{ID: "u2", Username: "gone", Enabled: false, CreatedTimestamp: msAgo(24 * time.Hour)},
	}
	idp := &fakeIdP{users: users}

	res := NewAccessNoApproval(context.Background(), idp, map[string]any{"lookback_days": 30})
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 0, res.Summary["recent_users_checked"])
}

func TestNewAccessNoApprovalError(t *testing.T) {
	idp := &fakeIdP{listErr: errors.New("connection refused")}
	res := NewAccessNoApproval(context.Background(), idp, nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "connection refused", res.Summary["error"])
}

// =============================================================================
// LA.02
// =============================================================================

func disabledUser(id, username string, termAgo time.Duration) keycloak.User {
	return keycloak.User{
		ID: id, Username: username, Enabled: false,
		Attributes: map[string][]string{"terminationRequestDate": {isoAgo(termAgo)}},
	}
}

func TestTerminationsSLATwoBreaches(t *testing.T) {
	idp := &fakeIdP{users: []keycloak.User{
		disabledUser("u1", "seven", 7*24*time.Hour),
		disabledUser("u2", "four", 4*24*time.Hour),
		disabledUser("u3", "fresh", 1*time.Hour),
	}}

	res := TerminationsSLA(context.Background(), idp, map[string]any{"sla_days": 1})
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 3, res.Summary["disabled_users_with_sla_tracking"])
	assert.Equal(t, 2, res.Summary["sla_breaches"])
	require.Len(t, res.Findings, 2)
	assert.Equal(t, 6, res.Findings[0]["days_overdue"])
	assert.Contains(t, res.ShortDescription, "worst: 6d overdue")
}

func TestTerminationsSLAFloorDays(t *testing.T) {
	// 25 hours open against a 1-day SLA floors to 1 day: not a breach.
	idp := &fakeIdP{users: []keycloak.User{disabledUser("u1", "edge", 25 * time.Hour)}}

	res := TerminationsSLA(context.Background(), idp, map[string]any{"sla_days": 1})
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 1, res.Summary["disabled_users_with_sla_tracking"])
	assert.Equal(t, 0, res.Summary["sla_breaches"])
}

func TestTerminationsSLASkipsUntrackedAndUnparseable(t *testing.T) {
	idp := &fakeIdP{users: []keycloak.User{
		{ID: "u1", Username: "untracked", Enabled: false},
		{ID: "u2", Username: "bad-date", Enabled: false,
			Attributes: map[string][]string{"terminationRequestDate": {"not-a-date"}}},
		disabledUser("u3", "ok", 2*time.Hour),
	}}

	res := TerminationsSLA(context.Background(), idp, map[string]any{"sla_days": 1})
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 1, res.Summary["disabled_users_with_sla_tracking"])
}

func TestTerminationsSLANaiveTimestampAssumedUTC(t *testing.T) {
	naive := time.Now().UTC().Add(-5 * 24 * time.Hour).Format("2006-01-02T15:04:05")
	idp := &fakeIdP{users: []keycloak.User{{
		ID: "u1", Username: "naive", Enabled: false,
		Attributes: map[string][]string{"terminationRequestDate": {naive}},
	}}}

	res := TerminationsSLA(context.Background(), idp, map[string]any{"sla_days": 1})
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 1, res.Summary["sla_breaches"])
}

func TestTerminationsSLAError(t *testing.T) {
	idp := &fakeIdP{listErr: errors.New("boom")}
	res := TerminationsSLA(context.Background(), idp, nil)
	assert.Equal(t, StatusError, res.Status)
}

// =============================================================================
// LA.03
// =============================================================================

func TestQuarterlyUARPass(t *testing.T) {
	idp := &fakeIdP{realm: keycloak.Realm{
		Realm:      "master",
		Attributes: map[string]string{"lastUarCompletedDate": isoAgo(10 * 24 * time.Hour)},
	}}

	res := QuarterlyUAR(context.Background(), idp, nil)
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 10, res.Summary["days_since_uar"])
}

func TestQuarterlyUARMissingAttribute(t *testing.T) {
	idp := &fakeIdP{realm: keycloak.Realm{Realm: "master"}}

	res := QuarterlyUAR(context.Background(), idp, nil)
	assert.Equal(t, StatusFail, res.Status)
	assert.Nil(t, res.Summary["last_uar_date"])
	assert.Nil(t, res.Summary["days_since_uar"])
	assert.Contains(t, res.ShortDescription, "No UAR completion date")
}

func TestQuarterlyUAROverdue(t *testing.T) {
	idp := &fakeIdP{realm: keycloak.Realm{
		Attributes: map[string]string{"lastUarCompletedDate": isoAgo(120 * 24 * time.Hour)},
	}}

	res := QuarterlyUAR(context.Background(), idp, map[string]any{"max_days_since_uar": 90})
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 120, res.Summary["days_since_uar"])
	assert.Contains(t, res.ShortDescription, "UAR overdue")
}

func TestQuarterlyUARUnparseableIsError(t *testing.T) {
	idp := &fakeIdP{realm: keycloak.Realm{
		Attributes: map[string]string{"lastUarCompletedDate": "sometime last year"},
	}}

	res := QuarterlyUAR(context.Background(), idp, nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Summary["error"], "lastUarCompletedDate")
}

func TestQuarterlyUARRealmFetchError(t *testing.T) {
	idp := &fakeIdP{realmErr: errors.New("realm down")}
	res := QuarterlyUAR(context.Background(), idp, nil)
	assert.Equal(t, StatusError, res.Status)
}

// =============================================================================
// LA.04
// =============================================================================

func TestAdminAccessCountPass(t *testing.T) {
	idp := &fakeIdP{roleUsers: map[string][]keycloak.User{
		"admin": {{ID: "u1", Username: "root1"}},
	}}

	res := AdminAccessCount(context.Background(), idp, map[string]any{"max_admins": 3})
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, 1, res.Summary["admin_count"])
	assert.Equal(t, 3, res.Summary["max_allowed"])
}

func TestAdminAccessCountFail(t *testing.T) {
	idp := &fakeIdP{roleUsers: map[string][]keycloak.User{
		"admin": {
			{ID: "u1", Username: "root1"},
			{ID: "u2", Username: "root2"},
			{ID: "u3", Username: "root3"},
			{ID: "u4", Username: "root4"},
		},
	}}

	res := AdminAccessCount(context.Background(), idp, map[string]any{"max_admins": 3})
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, 4, res.Summary["admin_count"])
	require.Len(t, res.Findings, 4)
	assert.Contains(t, res.ShortDescription, "exceeds threshold")
}

func TestAdminAccessCountCustomRole(t *testing.T) {
	idp := &fakeIdP{roleUsers: map[string][]keycloak.User{
		"superuser": {{ID: "u1", Username: "root1"}, {ID: "u2", Username: "root2"}},
	}}

	res := AdminAccessCount(context.Background(), idp,
		map[string]any{"role_name": "superuser", "max_admins": 1})
	assert.Equal(t, StatusFail, res.Status)
	assert.Equal(t, "superuser", res.Summary["role_name"])
}

func TestAdminAccessCountError(t *testing.T) {
	idp := &fakeIdP{roleErr: errors.New("role lookup failed")}
	res := AdminAccessCount(context.Background(), idp, nil)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "admin", res.Summary["role_name"])
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistryIsComplete(t *testing.T) {
	for _, name := range []string{
		"new_access_no_approval",
		"terminations_sla",
		"quarterly_uar",
		"admin_access_count",
	} {
		fn, ok := Lookup(name)
		assert.True(t, ok, "check %s must be registered", name)
		assert.NotNil(t, fn)
	}

	_, ok := Lookup("made_up_check")
	assert.False(t, ok)
}

func TestValidateControls(t *testing.T) {
	good := []config.Control{{ID: "LA.01", Check: "new_access_no_approval"}}
	assert.NoError(t, ValidateControls(good))

	bad := []config.Control{{ID: "LA.99", Check: "no_such_check"}}
	err := ValidateControls(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "LA.99")
}
