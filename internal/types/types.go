package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the snapshot schema produced by this build.
const SchemaVersion = "2.0.0"

// UserRole represents the role a user acts under.
type UserRole string

const (
	RoleAdmin      UserRole = "admin"
	RoleManager    UserRole = "manager"
	RoleForeman    UserRole = "foreman"
	RoleSupervisor UserRole = "supervisor"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleForeman, RoleSupervisor:
		return true
	}
	return false
}

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
	TaskRework     TaskStatus = "rework"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskReview, TaskDone, TaskRework:
		return true
	}
	return false
}

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectNew        ProjectStatus = "new"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
)

// FileCategory classifies project file links.
type FileCategory string

const (
	FileDocument FileCategory = "document"
	FileDrawing  FileCategory = "drawing"
	FilePhoto    FileCategory = "photo"
)

// EntityID identifies an entity within its collection.
// Older snapshots used numeric ids, so both JSON numbers and strings decode.
type EntityID string

// UnmarshalJSON accepts a JSON string or number.
func (id *EntityID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = EntityID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("entity id: %w", err)
	}
	*id = EntityID(n.String())
	return nil
}

// Entity is the common shape of every collection member.
type Entity interface {
	EntityKey() EntityID
	// Stamp is the instant used for last-write-wins: updatedAt, else createdAt.
	Stamp() time.Time
}

func stamp(updated, created time.Time) time.Time {
	if !updated.IsZero() {
		return updated
	}
	return created
}

// GeoLocation is a WGS84 coordinate pair.
type GeoLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ProjectFile is a link to an externally stored document, drawing or photo.
type ProjectFile struct {
	ID        EntityID     `json:"id"`
	Name      string       `json:"name"`
	URL       string       `json:"url"`
	Category  FileCategory `json:"category"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Comment is an append-only note attached to a project or task.
type Comment struct {
	ID        EntityID  `json:"id"`
	Author    string    `json:"author"`
	Role      UserRole  `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Project is a construction site.
type Project struct {
	ID             EntityID      `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	ClientFullName string        `json:"clientFullName"`
	City           string        `json:"city"`
	Street         string        `json:"street"`
	Phone          string        `json:"phone"`
	Telegram       string        `json:"telegram"`
	Address        string        `json:"address"`
	GeoLocation    GeoLocation   `json:"geoLocation"`
	FileLinks      []ProjectFile `json:"fileLinks"`
	Progress       int           `json:"progress"`
	Status         ProjectStatus `json:"status"`
	Comments       []Comment     `json:"comments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (p Project) EntityKey() EntityID { return p.ID }
func (p Project) Stamp() time.Time    { return stamp(p.UpdatedAt, p.CreatedAt) }

// Task is a unit of work on a project.
type Task struct {
	ID                EntityID        `json:"id"`
	ProjectID         EntityID        `json:"projectId"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Status            TaskStatus      `json:"status"`
	ForemanComment    string          `json:"foremanComment,omitempty"`
	SupervisorComment string          `json:"supervisorComment,omitempty"`
	EvidenceURLs      []string        `json:"evidenceUrls"`
	EvidenceCount     int             `json:"evidenceCount"`
	Comments          []Comment       `json:"comments,omitempty"`
	AIAnalysis        json.RawMessage `json:"aiAnalysis,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func (t Task) EntityKey() EntityID { return t.ID }
func (t Task) Stamp() time.Time    { return stamp(t.UpdatedAt, t.CreatedAt) }

// User is a member of the site team. The users collection is owned by the
// remote copy and replaced wholesale on merge.
type User struct {
	ID         EntityID   `json:"id"`
	Username   string     `json:"username"`
	Role       UserRole   `json:"role"`
	Password   string     `json:"password,omitempty"`
	LastActive *time.Time `json:"lastActive,omitempty"`
}

func (u User) EntityKey() EntityID { return u.ID }

func (u User) Stamp() time.Time {
	if u.LastActive != nil {
		return *u.LastActive
	}
	return time.Time{}
}

// ChatMessage is a message in the global team chat.
type ChatMessage struct {
	ID        EntityID  `json:"id"`
	UserID    EntityID  `json:"userId"`
	Username  string    `json:"username"`
	Role      UserRole  `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m ChatMessage) EntityKey() EntityID { return m.ID }
func (m ChatMessage) Stamp() time.Time    { return stamp(m.UpdatedAt, m.CreatedAt) }

// Notification is addressed to every user holding TargetRole.
type Notification struct {
	ID           EntityID  `json:"id"`
	Type         string    `json:"type"`
	ProjectTitle string    `json:"projectTitle"`
	TaskTitle    string    `json:"taskTitle"`
	Message      string    `json:"message"`
	TargetRole   UserRole  `json:"targetRole"`
	IsRead       bool      `json:"isRead"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (n Notification) EntityKey() EntityID { return n.ID }
func (n Notification) Stamp() time.Time    { return stamp(n.UpdatedAt, n.CreatedAt) }

// Snapshot is the single unit of synchronization.
type Snapshot struct {
	SchemaVersion string         `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	LastSync      *time.Time     `json:"lastSync,omitempty"`
	Projects      []Project      `json:"projects"`
	Tasks         []Task         `json:"tasks"`
	Users         []User         `json:"users"`
	ChatMessages  []ChatMessage  `json:"chatMessages"`
	Notifications []Notification `json:"notifications"`
}

// Clone returns a deep copy of s. Snapshots are replaced, never edited in
// place, so every mutation starts from a clone.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastSync != nil {
		t := *s.LastSync
		c.LastSync = &t
	}
	c.Projects = make([]Project, len(s.Projects))
	for i, p := range s.Projects {
		p.FileLinks = cloneSlice(p.FileLinks)
		p.Comments = cloneSlice(p.Comments)
		c.Projects[i] = p
	}
	c.Tasks = make([]Task, len(s.Tasks))
	for i, t := range s.Tasks {
		t.EvidenceURLs = cloneSlice(t.EvidenceURLs)
		t.Comments = cloneSlice(t.Comments)
		t.AIAnalysis = cloneSlice(t.AIAnalysis)
		c.Tasks[i] = t
	}
	c.Users = make([]User, len(s.Users))
	for i, u := range s.Users {
		if u.LastActive != nil {
			t := *u.LastActive
			u.LastActive = &t
		}
		c.Users[i] = u
	}
	c.ChatMessages = cloneSlice(s.ChatMessages)
	if c.ChatMessages == nil {
		c.ChatMessages = []ChatMessage{}
	}
	c.Notifications = cloneSlice(s.Notifications)
	if c.Notifications == nil {
		c.Notifications = []Notification{}
	}
	return &c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// Project returns the project with the given id.
func (s *Snapshot) Project(id EntityID) (*Project, bool) {
	for i := range s.Projects {
		if s.Projects[i].ID == id {
			return &s.Projects[i], true
		}
	}
	return nil, false
}

// Task returns the task with the given id.
func (s *Snapshot) Task(id EntityID) (*Task, bool) {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i], true
		}
	}
	return nil, false
}

// User returns the user with the given id.
func (s *Snapshot) User(id EntityID) (*User, bool) {
	for i := range s.Users {
		if s.Users[i].ID == id {
			return &s.Users[i], true
		}
	}
	return nil, false
}

// ProjectTasks returns the tasks that reference projectID.
func (s *Snapshot) ProjectTasks(projectID EntityID) []Task {
	var out []Task
	for _, t := range s.Tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out
}

// Stats summarizes collection sizes.
type Stats struct {
	Projects      int `json:"projects"`
	Tasks         int `json:"tasks"`
	Users         int `json:"users"`
	ChatMessages  int `json:"chat_messages"`
	Notifications int `json:"notifications"`
}

// Stats returns the size of every collection.
func (s *Snapshot) Stats() Stats {
	return Stats{
		Projects:      len(s.Projects),
		Tasks:         len(s.Tasks),
		Users:         len(s.Users),
		ChatMessages:  len(s.ChatMessages),
		Notifications: len(s.Notifications),
	}
}
