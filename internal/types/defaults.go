package types

import "time"

// Default returns the built-in snapshot used on first run and whenever a
// persisted snapshot cannot be migrated to SchemaVersion.
func Default(now time.Time) *Snapshot {
	now = now.UTC()
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Timestamp:     now,
		Projects: []Project{
			{
				ID:             "101",
				Name:           "ЖК «Скандинавия», корпус 4",
				Description:    "Монолитный 17-этажный жилой дом.",
				ClientFullName: "ООО «СеверИнвест»",
				City:           "Москва",
				Street:         "ул. Строителей, д. 25",
				Address:        "г. Москва, ул. Строителей, д. 25",
				GeoLocation:    GeoLocation{Lat: 55.7558, Lon: 37.6173},
				FileLinks:      []ProjectFile{},
				Progress:       15,
				Status:         ProjectInProgress,
				Comments:       []Comment{},
				CreatedAt:      now,
				UpdatedAt:      now,
			},
		},
		Tasks:         []Task{},
		ChatMessages:  []ChatMessage{},
		Notifications: []Notification{},
		Users: []User{
			{ID: "1", Username: "Администратор", Role: RoleAdmin},
			{ID: "2", Username: "Менеджер", Role: RoleManager},
			{ID: "3", Username: "Прораб 1", Role: RoleForeman},
			{ID: "4", Username: "Технадзор", Role: RoleSupervisor},
		},
	}
}
