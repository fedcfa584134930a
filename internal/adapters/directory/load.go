package directory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"subsidy/internal/domain"
	id "subsidy/pkg/domain"
)

type yamlUser struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Role     string `yaml:"role"`
	Inactive bool   `yaml:"inactive"`
}

// Load reads a YAML list of users from path.
func Load(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	return Parse(data)
}

// Parse builds a directory from YAML. Roles are case-insensitive.
func Parse(data []byte) (*Memory, error) {
	var raw []yamlUser
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	users := make([]domain.User, 0, len(raw))
	seen := make(map[id.UserID]bool, len(raw))
	for i, r := range raw {
		userID, err := id.ParseUserID(r.ID)
		if err != nil {
			return nil, fmt.Errorf("directory entry %d: %w", i, err)
		}
		if seen[userID] {
			return nil, fmt.Errorf("directory entry %d: duplicate user %s", i, userID)
		}
		seen[userID] = true
		role, err := domain.ParseRole(strings.ToUpper(strings.TrimSpace(r.Role)))
		if err != nil {
			return nil, fmt.Errorf("directory entry %d: %w", i, err)
		}
		users = append(users, domain.User{ID: userID, Name: r.Name, Role: role, Active: !r.Inactive})
	}
	return NewMemory(users...), nil
}
