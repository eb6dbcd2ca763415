// Package site implements the collaborator operations that mutate a
// snapshot: projects, tasks and their review workflow, comments, chat,
// notifications and the team roster.
//
// Every operation edits the snapshot it is given in place. Callers pass the
// clone handed to them by sync.Engine.Update (or UpdateShared for users), so
// a returned error discards the whole edit.
package site

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/sitesync/internal/types"
	"github.com/hyperengineering/sitesync/internal/validation"
	"github.com/oklog/ulid/v2"
)

// Field limits, in runes.
const (
	MaxNameLength        = 200
	MaxDescriptionLength = 5000
	MaxCommentLength     = 4000
	MaxChatLength        = 4000
	MaxContactLength     = 200
	MaxEvidenceLength    = 4096
)

// Notification kinds.
const (
	NotifyTaskAssigned = "task"
	NotifyReview       = "review"
	NotifyRework       = "rework"
	NotifyDone         = "done"
)

// Actor is the user performing an operation.
type Actor struct {
	UserID   types.EntityID
	Username string
	Role     types.UserRole
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == types.RoleAdmin }

func (a Actor) can(roles ...types.UserRole) bool {
	if a.IsAdmin() {
		return true
	}
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// Site generates ids and timestamps for new entities.
type Site struct {
	now func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New returns a Site using now for timestamps. A nil now uses time.Now.
func New(now func() time.Time) *Site {
	if now == nil {
		now = time.Now
	}
	return &Site{
		now:     now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewID returns a fresh ULID. Ids minted within the same millisecond sort
// in creation order.
func (s *Site) NewID() types.EntityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.EntityID(ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String())
}

func (s *Site) stamp() time.Time { return s.now().UTC() }

func invalid(c *validation.Collector) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func forbidden(a Actor, op string) error {
	return fmt.Errorf("%w: %s may not %s", ErrForbidden, a.Role, op)
}

// ProjectInput describes a new project.
type ProjectInput struct {
	Name           string
	Description    string
	ClientFullName string
	City           string
	Street         string
	Phone          string
	Telegram       string
	GeoLocation    types.GeoLocation
}

// CreateProject adds a project. Only admins and managers create projects.
func (s *Site) CreateProject(snap *types.Snapshot, a Actor, in ProjectInput) (*types.Project, error) {
	if !a.can(types.RoleManager) {
		return nil, forbidden(a, "create projects")
	}

	var c validation.Collector
	c.Text("name", in.Name, MaxNameLength, true)
	c.Text("description", in.Description, MaxDescriptionLength, false)
	c.Text("client_full_name", in.ClientFullName, MaxContactLength, false)
	c.Text("city", in.City, MaxContactLength, false)
	c.Text("street", in.Street, MaxContactLength, false)
	c.Add(validation.ValidatePhone("phone", in.Phone))
	c.Add(validation.ValidateTelegram("telegram", in.Telegram))
	if err := invalid(&c); err != nil {
		return nil, err
	}

	now := s.stamp()
	p := types.Project{
		ID:             s.NewID(),
		Name:           strings.TrimSpace(in.Name),
		Description:    in.Description,
		ClientFullName: in.ClientFullName,
		City:           in.City,
		Street:         in.Street,
		Phone:          in.Phone,
		Telegram:       in.Telegram,
		Address:        joinAddress(in.City, in.Street),
		GeoLocation:    in.GeoLocation,
		FileLinks:      []types.ProjectFile{},
		Status:         types.ProjectNew,
		Comments:       []types.Comment{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	snap.Projects = append([]types.Project{p}, snap.Projects...)
	return &snap.Projects[0], nil
}

func joinAddress(city, street string) string {
	var parts []string
	if city = strings.TrimSpace(city); city != "" {
		parts = append(parts, "г. "+city)
	}
	if street = strings.TrimSpace(street); street != "" {
		parts = append(parts, street)
	}
	return strings.Join(parts, ", ")
}

// UpdateProjectProgress sets a project's progress percentage and derives
// its status from it.
func (s *Site) UpdateProjectProgress(snap *types.Snapshot, a Actor, projectID types.EntityID, progress int) (*types.Project, error) {
	if !a.can(types.RoleManager) {
		return nil, forbidden(a, "update project progress")
	}
	var c validation.Collector
	c.Add(validation.ValidateRange("progress", progress, 0, 100))
	if err := invalid(&c); err != nil {
		return nil, err
	}

	p, ok := snap.Project(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	p.Progress = progress
	switch {
	case progress == 100:
		p.Status = types.ProjectCompleted
	case progress > 0:
		p.Status = types.ProjectInProgress
	default:
		p.Status = types.ProjectNew
	}
	p.UpdatedAt = s.stamp()
	return p, nil
}

// AddProjectFile attaches a link to an externally stored document, drawing
// or photo.
func (s *Site) AddProjectFile(snap *types.Snapshot, a Actor, projectID types.EntityID, name, url string, category types.FileCategory) (*types.ProjectFile, error) {
	if !a.can(types.RoleManager, types.RoleForeman) {
		return nil, forbidden(a, "attach project files")
	}
	var c validation.Collector
	c.Text("name", name, MaxNameLength, true)
	c.Add(validation.ValidateURL("url", url))
	c.Add(validation.ValidateEnum("category", string(category), []string{
		string(types.FileDocument), string(types.FileDrawing), string(types.FilePhoto),
	}))
	if err := invalid(&c); err != nil {
		return nil, err
	}

	p, ok := snap.Project(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	now := s.stamp()
	p.FileLinks = append(p.FileLinks, types.ProjectFile{
		ID:        s.NewID(),
		Name:      strings.TrimSpace(name),
		URL:       url,
		Category:  category,
		CreatedAt: now,
	})
	p.UpdatedAt = now
	return &p.FileLinks[len(p.FileLinks)-1], nil
}

// TaskInput describes a new task.
type TaskInput struct {
	ProjectID   types.EntityID
	Title       string
	Description string
}

// CreateTask adds a task in todo to an existing project and notifies the
// foremen.
func (s *Site) CreateTask(snap *types.Snapshot, a Actor, in TaskInput) (*types.Task, error) {
	if !a.can(types.RoleManager) {
		return nil, forbidden(a, "create tasks")
	}
	var c validation.Collector
	c.Text("title", in.Title, MaxNameLength, true)
	c.Text("description", in.Description, MaxDescriptionLength, false)
	if err := invalid(&c); err != nil {
		return nil, err
	}

	p, ok := snap.Project(in.ProjectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, in.ProjectID)
	}
	projectName := p.Name

	now := s.stamp()
	t := types.Task{
		ID:           s.NewID(),
		ProjectID:    in.ProjectID,
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Status:       types.TaskTodo,
		EvidenceURLs: []string{},
		Comments:     []types.Comment{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	snap.Tasks = append([]types.Task{t}, snap.Tasks...)

	s.Notify(snap, types.Notification{
		Type:         NotifyTaskAssigned,
		ProjectTitle: projectName,
		TaskTitle:    t.Title,
		Message:      "Новая задача: " + t.Title,
		TargetRole:   types.RoleForeman,
	})
	return &snap.Tasks[0], nil
}

// Transition is a requested task status change.
type Transition struct {
	TaskID types.EntityID
	To     types.TaskStatus
	// Evidence is a photo link; required when submitting for review.
	Evidence string
	// Comment is the supervisor's reason; required when sending to rework.
	Comment string
}

// transitions lists, per source status, the target statuses and the role
// that may move a task there. Admins may move any task anywhere.
var transitions = map[types.TaskStatus]map[types.TaskStatus]types.UserRole{
	types.TaskTodo:       {types.TaskInProgress: types.RoleForeman},
	types.TaskInProgress: {types.TaskReview: types.RoleForeman},
	types.TaskRework:     {types.TaskReview: types.RoleForeman},
	types.TaskReview: {
		types.TaskDone:   types.RoleSupervisor,
		types.TaskRework: types.RoleSupervisor,
	},
}

// TransitionTask moves a task through the review workflow:
//
//	foreman:    todo -> in_progress, in_progress|rework -> review (with evidence)
//	supervisor: review -> done, review -> rework (with comment)
//
// Each successful move notifies the role that acts next.
func (s *Site) TransitionTask(snap *types.Snapshot, a Actor, tr Transition) (*types.Task, error) {
	if !tr.To.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, tr.To)
	}
	t, ok := snap.Task(tr.TaskID)
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, tr.TaskID)
	}
	if t.Status == tr.To {
		return nil, fmt.Errorf("%w: task is already %s", ErrInvalidTransition, tr.To)
	}

	if !a.IsAdmin() {
		role, ok := transitions[t.Status][tr.To]
		if !ok {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, tr.To)
		}
		if a.Role != role {
			return nil, forbidden(a, fmt.Sprintf("move a task from %s to %s", t.Status, tr.To))
		}
	}

	var c validation.Collector
	switch tr.To {
	case types.TaskReview:
		if !a.IsAdmin() || tr.Evidence != "" {
			c.Text("evidence", tr.Evidence, MaxEvidenceLength, true)
		}
	case types.TaskRework:
		if !a.IsAdmin() || tr.Comment != "" {
			c.Text("comment", tr.Comment, MaxCommentLength, true)
		}
	}
	if err := invalid(&c); err != nil {
		return nil, err
	}

	now := s.stamp()
	t.Status = tr.To
	t.UpdatedAt = now
	if tr.Evidence != "" {
		t.EvidenceURLs = append(t.EvidenceURLs, tr.Evidence)
		t.EvidenceCount = len(t.EvidenceURLs)
	}
	if tr.Comment != "" {
		if tr.To == types.TaskRework {
			t.SupervisorComment = tr.Comment
		}
		t.Comments = append(t.Comments, types.Comment{
			ID:        s.NewID(),
			Author:    a.Username,
			Role:      a.Role,
			Text:      tr.Comment,
			CreatedAt: now,
		})
	}

	projectTitle := ""
	if p, ok := snap.Project(t.ProjectID); ok {
		projectTitle = p.Name
	}
	title := t.Title
	switch tr.To {
	case types.TaskInProgress:
		s.Notify(snap, types.Notification{
			Type: NotifyTaskAssigned, ProjectTitle: projectTitle, TaskTitle: title,
			Message: "Работы начаты: " + title, TargetRole: types.RoleManager,
		})
	case types.TaskReview:
		s.Notify(snap, types.Notification{
			Type: NotifyReview, ProjectTitle: projectTitle, TaskTitle: title,
			Message: "Задача готова к проверке: " + title, TargetRole: types.RoleSupervisor,
		})
	case types.TaskRework:
		s.Notify(snap, types.Notification{
			Type: NotifyRework, ProjectTitle: projectTitle, TaskTitle: title,
			Message: "Задача отправлена на доработку: " + title, TargetRole: types.RoleForeman,
		})
	case types.TaskDone:
		s.Notify(snap, types.Notification{
			Type: NotifyDone, ProjectTitle: projectTitle, TaskTitle: title,
			Message: "Задача принята: " + title, TargetRole: types.RoleManager,
		})
	case types.TaskTodo:
		s.Notify(snap, types.Notification{
			Type: NotifyTaskAssigned, ProjectTitle: projectTitle, TaskTitle: title,
			Message: "Задача возвращена в план: " + title, TargetRole: types.RoleForeman,
		})
	}
	return t, nil
}

func (s *Site) comment(a Actor, text string) (types.Comment, error) {
	var c validation.Collector
	c.Text("text", text, MaxCommentLength, true)
	if err := invalid(&c); err != nil {
		return types.Comment{}, err
	}
	return types.Comment{
		ID:        s.NewID(),
		Author:    a.Username,
		Role:      a.Role,
		Text:      strings.TrimSpace(text),
		CreatedAt: s.stamp(),
	}, nil
}

// AddTaskComment appends a comment to a task. Any role may comment.
func (s *Site) AddTaskComment(snap *types.Snapshot, a Actor, taskID types.EntityID, text string) (*types.Comment, error) {
	cm, err := s.comment(a, text)
	if err != nil {
		return nil, err
	}
	t, ok := snap.Task(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if a.Role == types.RoleForeman {
		t.ForemanComment = cm.Text
	}
	t.Comments = append(t.Comments, cm)
	t.UpdatedAt = cm.CreatedAt
	return &t.Comments[len(t.Comments)-1], nil
}

// AddProjectComment appends a comment to a project. Any role may comment.
func (s *Site) AddProjectComment(snap *types.Snapshot, a Actor, projectID types.EntityID, text string) (*types.Comment, error) {
	cm, err := s.comment(a, text)
	if err != nil {
		return nil, err
	}
	p, ok := snap.Project(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	p.Comments = append(p.Comments, cm)
	p.UpdatedAt = cm.CreatedAt
	return &p.Comments[len(p.Comments)-1], nil
}

// PostChatMessage appends a message to the team chat.
func (s *Site) PostChatMessage(snap *types.Snapshot, a Actor, text string) (*types.ChatMessage, error) {
	var c validation.Collector
	c.Text("text", text, MaxChatLength, true)
	if err := invalid(&c); err != nil {
		return nil, err
	}
	now := s.stamp()
	snap.ChatMessages = append(snap.ChatMessages, types.ChatMessage{
		ID:        s.NewID(),
		UserID:    a.UserID,
		Username:  a.Username,
		Role:      a.Role,
		Text:      strings.TrimSpace(text),
		CreatedAt: now,
		UpdatedAt: now,
	})
	return &snap.ChatMessages[len(snap.ChatMessages)-1], nil
}

// Notify prepends n to the snapshot's notifications, filling in the id and
// timestamps. Newest notifications come first.
func (s *Site) Notify(snap *types.Snapshot, n types.Notification) *types.Notification {
	now := s.stamp()
	n.ID = s.NewID()
	n.IsRead = false
	n.CreatedAt = now
	n.UpdatedAt = now
	snap.Notifications = append([]types.Notification{n}, snap.Notifications...)
	return &snap.Notifications[0]
}

// Visible reports whether n is shown to a user acting as role.
func Visible(n types.Notification, role types.UserRole) bool {
	return role == types.RoleAdmin || n.TargetRole == role
}

// Notifications returns the notifications visible to role, in snapshot order.
func Notifications(snap *types.Snapshot, role types.UserRole) []types.Notification {
	var out []types.Notification
	for _, n := range snap.Notifications {
		if Visible(n, role) {
			out = append(out, n)
		}
	}
	return out
}

// MarkNotificationRead marks a notification read. Only users it is
// visible to may do so.
func (s *Site) MarkNotificationRead(snap *types.Snapshot, a Actor, id types.EntityID) error {
	for i := range snap.Notifications {
		n := &snap.Notifications[i]
		if n.ID != id {
			continue
		}
		if !Visible(*n, a.Role) {
			return forbidden(a, "read this notification")
		}
		if !n.IsRead {
			n.IsRead = true
			n.UpdatedAt = s.stamp()
		}
		return nil
	}
	return fmt.Errorf("%w: notification %s", ErrNotFound, id)
}

// UpsertUser adds u, or replaces the user with the same id. Only admins
// manage the roster, and usernames are unique ignoring case. Users are owned
// by the remote copy, so callers apply this through sync.Engine.UpdateShared.
func (s *Site) UpsertUser(snap *types.Snapshot, a Actor, u types.User) (*types.User, error) {
	if !a.IsAdmin() {
		return nil, forbidden(a, "manage users")
	}
	var c validation.Collector
	c.Text("username", u.Username, MaxNameLength, true)
	c.Add(validation.ValidateEnum("role", string(u.Role), []string{
		string(types.RoleAdmin), string(types.RoleManager), string(types.RoleForeman), string(types.RoleSupervisor),
	}))
	if err := invalid(&c); err != nil {
		return nil, err
	}
	u.Username = strings.TrimSpace(u.Username)

	if other, ok := FindUser(snap, u.Username); ok && other.ID != u.ID {
		c.Add(&validation.ValidationError{Field: "username", Message: "is already taken"})
		return nil, invalid(&c)
	}

	if u.ID != "" {
		if existing, ok := snap.User(u.ID); ok {
			*existing = u
			return existing, nil
		}
	} else {
		u.ID = s.NewID()
	}
	snap.Users = append(snap.Users, u)
	return &snap.Users[len(snap.Users)-1], nil
}

// FindUser returns the user with the given username, ignoring case and
// surrounding space.
func FindUser(snap *types.Snapshot, username string) (*types.User, bool) {
	username = strings.TrimSpace(username)
	for i := range snap.Users {
		if strings.EqualFold(snap.Users[i].Username, username) {
			return &snap.Users[i], true
		}
	}
	return nil, false
}
