package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AccessLevel is an ordered capability over a content item.
type AccessLevel int

const (
	AccessNone        AccessLevel = 0
	AccessView        AccessLevel = 10
	AccessModify      AccessLevel = 20
	AccessFullControl AccessLevel = 100
)

func (l AccessLevel) String() string {
	switch l {
	case AccessNone:
		return "NONE"
	case AccessView:
		return "VIEW"
	case AccessModify:
		return "MODIFY"
	case AccessFullControl:
		return "FULL_CONTROL"
	default:
		return strconv.Itoa(int(l))
	}
}

// Satisfies reports whether l grants at least required.
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	return l >= required
}

// ParseAccessLevel accepts level names (including the DOWNLOAD and
// EDIT_METADATA aliases for MODIFY) or their numeric values.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE", "0":
		return AccessNone, nil
	case "VIEW", "10":
		return AccessView, nil
	case "MODIFY", "DOWNLOAD", "EDIT_METADATA", "20":
		return AccessModify, nil
	case "FULL_CONTROL", "FULL", "OWNER", "100":
		return AccessFullControl, nil
	}
	return AccessNone, fmt.Errorf("%w: unknown access level %q", ErrInvalidInput, s)
}

func (l AccessLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *AccessLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: access level must be a string or number", ErrInvalidInput)
		}
		s = strconv.Itoa(n)
	}
	parsed, err := ParseAccessLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// AccessGrant is one principal's rights over one content item.
type AccessGrant struct {
	ContentID   string      `json:"contentId"`
	PrincipalID string      `json:"principalId"`
	Level       AccessLevel `json:"level"`
	IssuedAt    time.Time   `json:"issuedAt"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty"`
	IssuedBy    string      `json:"issuedBy"`
}

// IsExpired is true once now has reached ExpiresAt.
func (g *AccessGrant) IsExpired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// Allows reports whether the grant is live and at least required.
func (g *AccessGrant) Allows(required AccessLevel, now time.Time) bool {
	return g != nil && !g.IsExpired(now) && g.Level.Satisfies(required)
}
