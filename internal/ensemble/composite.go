package ensemble

import (
	"fmt"
	"strings"

	"github.com/lrtc/backend/internal/model"
)

const idSeparator = ","

// CompositeID is the ordered list of member model ids produced by one
// ensemble training run. Position i belongs to the i-th member type.
type CompositeID []string

func NewCompositeID(memberIDs []string) (CompositeID, error) {
	for i, id := range memberIDs {
		if id == "" || strings.Contains(id, idSeparator) {
			return nil, fmt.Errorf("%w: member %d produced an invalid model id %q", model.ErrConfiguration, i, id)
		}
	}
	return append(CompositeID(nil), memberIDs...), nil
}

// ParseCompositeID splits the external form and checks it has exactly
// members segments.
func ParseCompositeID(s string, members int) (CompositeID, error) {
	parts := strings.Split(s, idSeparator)
	if len(parts) != members {
		return nil, fmt.Errorf("%w: ensemble model id %q has %d member ids, expected %d",
			model.ErrConfiguration, s, len(parts), members)
	}
	for i, p := range parts {
		if err := model.ValidateModelID(p); err != nil {
			return nil, fmt.Errorf("ensemble model id %q, member %d: %w", s, i, err)
		}
	}
	return CompositeID(parts), nil
}

// String is the comma-joined external form.
func (c CompositeID) String() string {
	return strings.Join(c, idSeparator)
}
