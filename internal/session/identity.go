package session

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Identity is the current user's identity and role as provisioned by
// the console's login flow. The sync engine only reads it, to
// parameterize the prospect query and authenticate the backend and
// push connections.
type Identity struct {
	UserID        string `toml:"user_id"`
	Role          string `toml:"role"`
	AdvisorFilter string `toml:"advisor_filter"`
	CompanyID     string `toml:"company_id"`
	Token         string `toml:"token"`
}

// LoadIdentity reads the identity file for a session.
func LoadIdentity(path string) (*Identity, error) {
	var id Identity
	if _, err := toml.DecodeFile(path, &id); err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if id.UserID == "" {
		return nil, fmt.Errorf("identity file %s has no user_id; log in through the console first", path)
	}
	return &id, nil
}
