package rbac

import (
	"testing"
)

func actor(role Role, caps ...Capability) Actor {
	set := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return Actor{Subject: "u1", Role: role, Capabilities: set}
}

func TestAuthorize(t *testing.T) {
	policy := Policy{}

	tests := []struct {
		name   string
		actor  Actor
		action Action
		want   bool
	}{
		{"владелец загружает", actor(RoleSuperAdminMax), ActionUploadPhoto, true},
		{"суперадмин загружает", actor(RoleSuperAdmin), ActionUploadPhoto, true},
		{"админ без прав не загружает", actor(RoleAdmin), ActionUploadPhoto, false},
		{"админ с upload_photos загружает", actor(RoleAdmin, CapUploadPhotos), ActionUploadPhoto, true},
		{"админ с manage_photos загружает", actor(RoleAdmin, CapManagePhotos), ActionUploadPhoto, true},
		{"админ с delete_photos не загружает", actor(RoleAdmin, CapDeletePhotos), ActionUploadPhoto, false},
		{"админ с delete_photos удаляет", actor(RoleAdmin, CapDeletePhotos), ActionDeletePhoto, true},
		{"админ с upload_photos не удаляет", actor(RoleAdmin, CapUploadPhotos), ActionDeletePhoto, false},
		{"статус клиента через upload_photos", actor(RoleAdmin, CapUploadPhotos), ActionManageClientStatus, true},
		{"статус клиента через manage_clients", actor(RoleAdmin, CapManageClients), ActionManageClientStatus, true},
		{"статус клиента без прав", actor(RoleAdmin, CapDeletePhotos), ActionManageClientStatus, false},
		{"статистика только суперадмину", actor(RoleAdmin, CapManageClients, CapManagePhotos), ActionViewStorage, false},
		{"статистика суперадмину", actor(RoleSuperAdmin), ActionViewStorage, true},
		{"очистка через manage_clients", actor(RoleAdmin, CapManageClients), ActionRunSweep, true},
		{"пользователь без роли", actor(""), ActionUploadPhoto, false},
		{"неизвестное действие", actor(RoleSuperAdminMax), Action("dropDatabase"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Authorize(tt.actor, tt.action)
			if d.Allowed != tt.want {
				t.Errorf("Authorize(%s) = %v, хотели %v", tt.action, d.Allowed, tt.want)
			}
			if !d.Allowed && d.Reason == "" {
				t.Error("отказ без причины")
			}
		})
	}
}

func TestParseCapabilities(t *testing.T) {
	caps := ParseCapabilities([]string{"manage_photos", " UPLOAD_PHOTOS ", "drop_tables", ""})
	if len(caps) != 2 {
		t.Fatalf("ParseCapabilities вернул %d прав, хотели 2: %v", len(caps), caps)
	}
	if !caps[CapManagePhotos] || !caps[CapUploadPhotos] {
		t.Errorf("ожидались manage_photos и upload_photos, получили %v", caps)
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"SUPER_ADMIN", RoleSuperAdmin},
		{"super_admin_max", RoleSuperAdminMax},
		{"ADMIN", RoleAdmin},
		{"root", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseRole(tt.in); got != tt.want {
				t.Errorf("ParseRole(%q) = %q, хотели %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHighestRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  Role
	}{
		{"пустой набор", nil, ""},
		{"одна роль", []string{"ADMIN"}, RoleAdmin},
		{"владелец выше суперадмина", []string{"SUPER_ADMIN", "SUPER_ADMIN_MAX", "ADMIN"}, RoleSuperAdminMax},
		{"неизвестные игнорируются", []string{"offline_access", "ADMIN"}, RoleAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HighestRole(tt.roles); got != tt.want {
				t.Errorf("HighestRole(%v) = %q, хотели %q", tt.roles, got, tt.want)
			}
		})
	}
}

func TestNewActor(t *testing.T) {
	a := NewActor("sub-1", "", "SUPER_ADMIN", []string{"manage_clients", "unknown"})
	if !a.Privileged() {
		t.Error("SUPER_ADMIN должен быть привилегированным")
	}
	if a.DisplayName() != "sub-1" {
		t.Errorf("DisplayName() = %q, хотели sub-1", a.DisplayName())
	}
	if len(a.Capabilities) != 1 {
		t.Errorf("Capabilities = %v, хотели только manage_clients", a.Capabilities)
	}
}
