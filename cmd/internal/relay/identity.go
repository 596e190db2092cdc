package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Identity is the normalized account extracted from an upstream profile.
// It is what the application's own account-linking flow consumes; the raw
// credential and profile stay opaque to this layer.
type Identity struct {
	ProviderID string `json:"provider_id"`
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
}

// extractIdentity normalizes the raw profile returned with the credential.
func extractIdentity(raw json.RawMessage) (Identity, error) {
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Identity{}, fmt.Errorf("decode profile: %w", err)
	}

	c := p.Contact
	if c.ID == 0 {
		return Identity{}, errors.New("profile has no contact id")
	}
	if len(c.Names) == 0 {
		return Identity{}, errors.New("profile has no name entries")
	}

	n := c.Names[0]
	name := strings.TrimSpace(n.FirstName + " " + n.LastName)
	if name == "" {
		name = n.Name
	}

	id := Identity{
		ProviderID: strconv.FormatInt(c.ID, 10),
		Name:       name,
	}
	if c.Phone != 0 {
		id.Phone = strconv.FormatInt(c.Phone, 10)
	}
	return id, nil
}
