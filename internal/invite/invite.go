// Package invite packs remote credentials and an identity into a single
// code that can be handed to a new team member.
package invite

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/sitesync/internal/codec"
	"github.com/hyperengineering/sitesync/internal/types"
)

// ErrInvalid is returned for codes that do not decode to a usable payload.
var ErrInvalid = errors.New("invalid invite code")

// Payload is the content of an invite code.
type Payload struct {
	Token    string         `json:"token"`
	Repo     string         `json:"repo"`
	Path     string         `json:"path"`
	Role     types.UserRole `json:"role"`
	Username string         `json:"username"`
}

// Validate checks that p carries a usable remote and identity.
func (p Payload) Validate() error {
	switch {
	case p.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalid)
	case strings.Count(p.Repo, "/") != 1 || strings.HasPrefix(p.Repo, "/") || strings.HasSuffix(p.Repo, "/"):
		return fmt.Errorf("%w: repo must be owner/name, got %q", ErrInvalid, p.Repo)
	case p.Path == "":
		return fmt.Errorf("%w: path is required", ErrInvalid)
	case p.Role != "" && !p.Role.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, p.Role)
	}
	return nil
}

// Encode returns the invite code for p.
func Encode(p Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal invite: %w", err)
	}
	return codec.Encode(string(data)), nil
}

// Decode parses and validates an invite code.
func Decode(code string) (Payload, error) {
	text, err := codec.Decode(strings.TrimSpace(code))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var p Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
