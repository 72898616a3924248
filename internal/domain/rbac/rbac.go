// Пакет rbac — закрытый набор ролей и прав photolibrary и политика
// авторизации действий. Решение возвращается типизированным значением
// с причиной отказа, пригодной для показа пользователю.
package rbac

import "strings"

// Role — роль пользователя студии.
type Role string

// Роли в порядке возрастания привилегий.
const (
	RoleAdmin         Role = "ADMIN"
	RoleSuperAdmin    Role = "SUPER_ADMIN"
	RoleSuperAdminMax Role = "SUPER_ADMIN_MAX" // владелец студии
)

// roleWeight — вес роли для сравнения.
var roleWeight = map[Role]int{
	RoleAdmin:         1,
	RoleSuperAdmin:    2,
	RoleSuperAdminMax: 3,
}

// Capability — явное право, выданное администратору.
type Capability string

const (
	CapManagePhotos  Capability = "manage_photos"
	CapUploadPhotos  Capability = "upload_photos"
	CapDeletePhotos  Capability = "delete_photos"
	CapManageClients Capability = "manage_clients"
)

var knownCapabilities = map[Capability]bool{
	CapManagePhotos:  true,
	CapUploadPhotos:  true,
	CapDeletePhotos:  true,
	CapManageClients: true,
}

// Action — действие, требующее авторизации.
type Action string

const (
	ActionUploadPhoto        Action = "uploadPhoto"
	ActionDeletePhoto        Action = "deletePhoto"
	ActionManageClientStatus Action = "manageClientStatus"
	ActionManageClients      Action = "manageClients"
	ActionViewStorage        Action = "viewStorage"
	ActionRunSweep           Action = "runSweep"
)

// actionCapabilities — права, любое из которых разрешает действие.
// Привилегированные роли проходят всегда; действия без записи
// доступны только им.
var actionCapabilities = map[Action][]Capability{
	ActionUploadPhoto:        {CapManagePhotos, CapUploadPhotos},
	ActionDeletePhoto:        {CapManagePhotos, CapDeletePhotos},
	ActionManageClientStatus: {CapManageClients, CapManagePhotos, CapUploadPhotos},
	ActionManageClients:      {CapManageClients},
	ActionRunSweep:           {CapManageClients},
	ActionViewStorage:        nil,
}

// Actor — аутентифицированный пользователь, от имени которого выполняется операция.
type Actor struct {
	// Subject — идентификатор пользователя (sub из JWT)
	Subject string
	// Username — отображаемое имя (для uploaded_by)
	Username string
	// Role — роль пользователя
	Role Role
	// Capabilities — набор явных прав
	Capabilities map[Capability]bool
}

// NewActor создаёт Actor, отбрасывая неизвестные роли и права.
func NewActor(subject, username string, role string, capabilities []string) Actor {
	return Actor{
		Subject:      subject,
		Username:     username,
		Role:         ParseRole(role),
		Capabilities: ParseCapabilities(capabilities),
	}
}

// Has проверяет наличие права у пользователя.
func (a Actor) Has(c Capability) bool {
	return a.Capabilities[c]
}

// Privileged — роли SUPER_ADMIN и SUPER_ADMIN_MAX.
func (a Actor) Privileged() bool {
	return roleWeight[a.Role] >= roleWeight[RoleSuperAdmin]
}

// DisplayName возвращает имя для аудита: username, иначе subject.
func (a Actor) DisplayName() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Subject
}

// ParseRole возвращает роль или пустую строку для неизвестного значения.
func ParseRole(s string) Role {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := roleWeight[r]; ok {
		return r
	}
	return ""
}

// HighestRole возвращает максимальную роль из набора строк.
// Неизвестные значения игнорируются.
func HighestRole(roles []string) Role {
	var highest Role
	for _, s := range roles {
		r := ParseRole(s)
		if roleWeight[r] > roleWeight[highest] {
			highest = r
		}
	}
	return highest
}

// ParseCapabilities строит набор прав из строк, неизвестные отбрасываются.
func ParseCapabilities(items []string) map[Capability]bool {
	caps := make(map[Capability]bool, len(items))
	for _, item := range items {
		c := Capability(strings.ToLower(strings.TrimSpace(item)))
		if knownCapabilities[c] {
			caps[c] = true
		}
	}
	return caps
}

// Decision — результат авторизации.
type Decision struct {
	Allowed bool
	// Reason — причина отказа для показа пользователю
	Reason string
}

// Policy — политика авторизации действий.
type Policy struct{}

// Authorize решает, может ли actor выполнить action.
func (Policy) Authorize(actor Actor, action Action) Decision {
	caps, known := actionCapabilities[action]
	if !known {
		return Decision{Reason: "неизвестное действие " + string(action)}
	}
	if actor.Privileged() {
		return Decision{Allowed: true}
	}
	for _, c := range caps {
		if actor.Has(c) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: denyReason(action)}
}

func denyReason(action Action) string {
	switch action {
	case ActionUploadPhoto:
		return "нет права на загрузку фотографий"
	case ActionDeletePhoto:
		return "нет права на удаление фотографий"
	case ActionManageClientStatus:
		return "нет права на изменение статуса клиента"
	case ActionManageClients:
		return "нет права на управление клиентами"
	case ActionViewStorage:
		return "статистика хранилища доступна только суперадминистраторам"
	case ActionRunSweep:
		return "нет права на запуск очистки"
	default:
		return "действие запрещено"
	}
}
