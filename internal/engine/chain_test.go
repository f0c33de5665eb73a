package engine

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"procureline/internal/domain"
	"procureline/internal/repo"
)

type fakeLookup struct {
	users     map[string]domain.User
	approvers map[string][]domain.User
	admin     *domain.User
}

func (f fakeLookup) GetUser(_ context.Context, id string) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return u, repo.ErrNotFound
	}
	return u, nil
}

func (f fakeLookup) GetDepartmentApprovers(_ context.Context, id string) ([]domain.User, error) {
	return f.approvers[id], nil
}

func (f fakeLookup) GetFirstAdministrator(context.Context) (domain.User, bool, error) {
	if f.admin == nil {
		return domain.User{}, false, nil
	}
	return *f.admin, true, nil
}

func ptr(s string) *string { return &s }

func newLookup() fakeLookup {
	admin := domain.User{ID: "root", DisplayName: "Root", Role: domain.RoleAdministrator}
	coord := domain.User{ID: "coord", Role: domain.RoleApprover}
	a1 := domain.User{ID: "a1", Role: domain.RoleApprover, DepartmentID: ptr("eng")}
	a2 := domain.User{ID: "a2", Role: domain.RoleApprover, DepartmentID: ptr("eng")}
	return fakeLookup{
		users:     map[string]domain.User{"root": admin, "coord": coord, "a1": a1, "a2": a2, "plain": {ID: "plain", Role: domain.RoleRequester}},
		approvers: map[string][]domain.User{"eng": {a1, a2}},
		admin:     &admin,
	}
}

func TestResolveChain(t *testing.T) {
	lookup := newLookup()
	cases := []struct {
		name      string
		requester domain.User
		want      []ChainEntry
	}{
		{
			name:      "department peers then coordinator",
			requester: domain.User{ID: "u", Role: domain.RoleRequester, DepartmentID: ptr("eng"), CoordinatorID: ptr("coord")},
			want: []ChainEntry{
				{ApproverID: "a1", Order: 1, Reason: ReasonDepartment},
				{ApproverID: "a2", Order: 1, Reason: ReasonDepartment},
				{ApproverID: "coord", Order: 2, Reason: ReasonCoordinator},
			},
		},
		{
			name:      "self approval replaces department slot",
			requester: lookup.users["a1"],
			want: []ChainEntry{
				{ApproverID: "a1", Order: 1, AutoApproved: true, Reason: ReasonSelfApproval},
				{ApproverID: "root", Order: 2, Reason: ReasonFallbackAdmin},
			},
		},
		{
			name:      "requester coordinator falls back to administrator",
			requester: domain.User{ID: "u", Role: domain.RoleRequester, CoordinatorID: ptr("plain")},
			want:      []ChainEntry{{ApproverID: "root", Order: 1, Reason: ReasonFallbackAdmin}},
		},
		{
			name:      "administrator approves own request",
			requester: lookup.users["root"],
			want:      []ChainEntry{{ApproverID: "root", Order: 1, AutoApproved: true, Reason: ReasonAdminSelf}},
		},
		{
			name:      "coordinator already in chain is not repeated",
			requester: domain.User{ID: "u", Role: domain.RoleRequester, DepartmentID: ptr("eng"), CoordinatorID: ptr("a2")},
			want: []ChainEntry{
				{ApproverID: "a1", Order: 1, Reason: ReasonDepartment},
				{ApproverID: "a2", Order: 1, Reason: ReasonDepartment},
			},
		},
	}
	for _, tc := range cases {
		got, err := ResolveChain(context.Background(), lookup, tc.requester, nil)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%s: chain = %+v", tc.name, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: slot %d = %+v, want %+v", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

func TestResolveChainWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)
	lookup := newLookup()

	chain, err := ResolveChain(context.Background(), lookup, domain.User{ID: "u", Role: domain.RoleRequester, CoordinatorID: ptr("gone")}, log)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(chain) != 1 || chain[0].ApproverID != "root" {
		t.Fatalf("chain = %+v", chain)
	}
	if logs.FilterMessage("coordinator not found, using fallback administrator").Len() != 1 {
		t.Fatalf("missing coordinator warning: %+v", logs.All())
	}

	lookup.admin = nil
	chain, err = ResolveChain(context.Background(), lookup, domain.User{ID: "u", Role: domain.RoleRequester}, log)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(chain) != 0 || InitialStatus(chain) != domain.StatusNoApproval {
		t.Fatalf("chain without administrator = %+v", chain)
	}
	if logs.FilterMessage("no administrator available for second-tier approval").Len() != 1 {
		t.Fatalf("missing administrator warning: %+v", logs.All())
	}
}

func TestSettledStatus(t *testing.T) {
	auto := []ChainEntry{{ApproverID: "a", Order: 1, AutoApproved: true}}
	if InitialStatus(auto) != domain.StatusPendingApproval || settledStatus(auto) != domain.StatusApproved {
		t.Fatalf("all auto-approved chain")
	}
	mixed := append(auto, ChainEntry{ApproverID: "b", Order: 2})
	if settledStatus(mixed) != domain.StatusPendingApproval {
		t.Fatalf("mixed chain")
	}
	if settledStatus(nil) != domain.StatusNoApproval {
		t.Fatalf("empty chain")
	}
}

func TestEnsureTransition(t *testing.T) {
	ok := [][2]domain.RequestStatus{
		{domain.StatusDraft, domain.StatusPendingApproval},
		{domain.StatusRejected, domain.StatusApproved},
		{domain.StatusPendingApproval, domain.StatusRejected},
		{domain.StatusApproved, domain.StatusInProgress},
		{domain.StatusNoApproval, domain.StatusClosed},
		{domain.StatusInProgress, domain.StatusClosed},
	}
	for _, tr := range ok {
		if err := ensureTransition(tr[0], tr[1], false); err != nil {
			t.Fatalf("%s -> %s: %v", tr[0], tr[1], err)
		}
	}
	bad := [][2]domain.RequestStatus{
		{domain.StatusClosed, domain.StatusInProgress},
		{domain.StatusPendingApproval, domain.StatusInProgress},
		{domain.StatusApproved, domain.StatusRejected},
		{domain.StatusInProgress, domain.StatusInProgress},
	}
	for _, tr := range bad {
		if err := ensureTransition(tr[0], tr[1], false); err == nil {
			t.Fatalf("%s -> %s should fail", tr[0], tr[1])
		}
	}
	if err := ensureTransition(domain.StatusClosed, domain.StatusPendingApproval, true); err != nil {
		t.Fatalf("override to pending: %v", err)
	}
	if _, ok := ensureTransition(domain.StatusClosed, domain.StatusApproved, true).(ValidationError); !ok {
		t.Fatalf("override to approved should be a validation error")
	}
}

func TestInitials(t *testing.T) {
	cases := map[string]domain.User{
		"JP":  {ID: "x", DisplayName: "juan pérez"},
		"MAG": {ID: "x", DisplayName: "María Ana García López"},
		"ÁL":  {ID: "x", DisplayName: "Ángela López"},
		"U7":  {ID: "u7-x"},
		"XX":  {ID: "--"},
	}
	for want, u := range cases {
		if got := initials(u); got != want {
			t.Fatalf("initials(%+v) = %s, want %s", u, got, want)
		}
	}
	if formatPublicID("JP", 12) != "JP-0012" {
		t.Fatalf("format = %s", formatPublicID("JP", 12))
	}
}
