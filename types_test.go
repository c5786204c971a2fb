package authgate

import "testing"

func TestRole_Valid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleAnonymous, true},
		{RoleUser, true},
		{RoleAdmin, true},
		{Role("superuser"), false},
		{Role(""), false},
	}

	for _, tt := range tests {
		if got := tt.role.Valid(); got != tt.want {
			t.Errorf("Role(%q).Valid() = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestRole_AtLeast(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		// anonymous < user < admin
		{RoleAnonymous, RoleAnonymous, true},
		{RoleAnonymous, RoleUser, false},
		{RoleAnonymous, RoleAdmin, false},
		{RoleUser, RoleAnonymous, true},
		{RoleUser, RoleUser, true},
		{RoleUser, RoleAdmin, false},
		{RoleAdmin, RoleAnonymous, true},
		{RoleAdmin, RoleUser, true},
		{RoleAdmin, RoleAdmin, true},

		// Unknown roles never satisfy anything, not even anonymous
		{Role("superuser"), RoleAnonymous, false},
		{RoleAdmin, Role("superuser"), false},
	}

	for _, tt := range tests {
		if got := tt.role.AtLeast(tt.required); got != tt.want {
			t.Errorf("Role(%q).AtLeast(%q) = %v, want %v", tt.role, tt.required, got, tt.want)
		}
	}
}

func TestRoleTable_MinRole(t *testing.T) {
	table := RoleTable{
		"tools.list":   RoleUser,
		"tools.status": RoleAnonymous,
		"admin.config": RoleAdmin,
	}

	if got := table.MinRole("tools.list"); got != RoleUser {
		t.Errorf("MinRole(tools.list) = %q, want %q", got, RoleUser)
	}
	if got := table.MinRole("tools.status"); got != RoleAnonymous {
		t.Errorf("MinRole(tools.status) = %q, want %q", got, RoleAnonymous)
	}

	// Operations absent from the table require admin
	if got := table.MinRole("tools.delete_everything"); got != RoleAdmin {
		t.Errorf("MinRole(unlisted) = %q, want %q", got, RoleAdmin)
	}
}

func TestRoleTable_Allows(t *testing.T) {
	table := RoleTable{
		"tools.list":   RoleUser,
		"tools.status": RoleAnonymous,
		"admin.config": RoleAdmin,
	}

	tests := []struct {
		operation string
		role      Role
		want      bool
	}{
		{"tools.status", RoleAnonymous, true},
		{"tools.list", RoleAnonymous, false},
		{"tools.list", RoleUser, true},
		{"tools.list", RoleAdmin, true},
		{"admin.config", RoleUser, false},
		{"admin.config", RoleAdmin, true},
		{"unlisted.op", RoleUser, false},
		{"unlisted.op", RoleAdmin, true},
	}

	for _, tt := range tests {
		if got := table.Allows(tt.operation, tt.role); got != tt.want {
			t.Errorf("Allows(%q, %q) = %v, want %v", tt.operation, tt.role, got, tt.want)
		}
	}
}

func TestAnonymousIdentity(t *testing.T) {
	if Anonymous.UserID != "" {
		t.Errorf("Anonymous.UserID = %q, want empty", Anonymous.UserID)
	}
	if Anonymous.Role != RoleAnonymous {
		t.Errorf("Anonymous.Role = %q, want %q", Anonymous.Role, RoleAnonymous)
	}
}
