package tenancy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
)

func TestAuthorizer_RequireMember(t *testing.T) {
	env := newTestEnv()
	authz := env.svc.Authorizer()
	member := env.users.add("Member")
	orgID := env.addMember(t, uuid.Nil, member, "doctor")

	acc, err := authz.RequireMember(context.Background(), member, orgID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc.Role.Name != "Doctor" || acc.IsAdmin() {
		t.Errorf("unexpected access %+v", acc.Role)
	}

	if _, err := authz.RequireMember(context.Background(), uuid.New(), orgID); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	if _, err := authz.RequireMember(context.Background(), member, uuid.New()); !errors.Is(err, ErrOrganizationNotFound) {
		t.Errorf("expected ErrOrganizationNotFound, got %v", err)
	}
}

func TestAuthorizer_RequireAdmin(t *testing.T) {
	env := newTestEnv()
	env.roles.roles["custom_admin"] = &Role{ID: "custom_admin", Name: "Custom", Permissions: []string{PermissionManageAll}}

	tests := []struct {
		role    string
		allowed bool
	}{
		{RoleOwner, true},
		{RoleAdmin, true},
		{"custom_admin", true},
		{"manager", false},
		{RoleMember, false},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			userID := env.users.add(tt.role)
			orgID := env.addMember(t, uuid.Nil, userID, tt.role)

			_, err := env.svc.Authorizer().RequireAdmin(context.Background(), userID, orgID)
			if tt.allowed && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrForbidden) {
				t.Errorf("expected ErrForbidden, got %v", err)
			}
		})
	}
}

func TestAuthorizer_IgnoresMetadataRole(t *testing.T) {
	env := newTestEnv()
	userID := env.users.add("Jane")
	orgID := env.addMember(t, uuid.Nil, userID, RoleMember)
	env.users.profiles[userID].Role = RoleOwner
	env.users.profiles[userID].ActiveOrganizationID = &orgID

	if _, err := env.svc.Authorizer().RequireAdmin(context.Background(), userID, orgID); !errors.Is(err, ErrForbidden) {
		t.Errorf("metadata role must not grant access, got %v", err)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
		ok   bool
	}{
		{ErrOrganizationNotFound, http.StatusNotFound, true},
		{ErrNotMember, http.StatusForbidden, true},
		{ErrForbidden, http.StatusForbidden, true},
		{errors.New("other"), 0, false},
	}
	for _, tt := range tests {
		code, ok := StatusCode(tt.err)
		if code != tt.code || ok != tt.ok {
			t.Errorf("%v: got (%d, %v), want (%d, %v)", tt.err, code, ok, tt.code, tt.ok)
		}
	}
}
