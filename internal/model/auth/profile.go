package auth

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedValue is returned when a profile field value is not a
// permitted JSON scalar.
var ErrUnsupportedValue = errors.New("profile values must be strings, booleans, numbers or null")

// ProfileData is the server-owned extensible profile record keyed by the
// user's uid. The server is the source of truth; local copies are a read
// cache. Fields beyond the known ones live in Extra and are flattened into
// the same JSON object on the wire.
type ProfileData struct {
	UserID             string
	OnboardingComplete bool
	CreatedAt          int64
	UpdatedAt          int64
	Extra              map[string]any
}

// Clone returns a copy whose Extra map is independent of the receiver, so
// callers can hand out profile records without sharing mutable state.
func (p *ProfileData) Clone() *ProfileData {
	if p == nil {
		return nil
	}
	out := *p
	if p.Extra != nil {
		out.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Set records an extension field after validating the value type.
func (p *ProfileData) Set(key string, value any) error {
	norm, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	if p.Extra == nil {
		p.Extra = make(map[string]any)
	}
	p.Extra[key] = norm
	return nil
}

// MarshalJSON flattens known fields and extension fields into one object.
func (p ProfileData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["userId"] = p.UserID
	out["onboardingComplete"] = p.OnboardingComplete
	if p.CreatedAt != 0 {
		out["createdAt"] = p.CreatedAt
	}
	if p.UpdatedAt != 0 {
		out["updatedAt"] = p.UpdatedAt
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the flat server object back into known fields plus
// Extra. Unknown value shapes coming from the server are kept as-is; only
// client-side writes are validated.
func (p *ProfileData) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = ProfileData{}
	for key, value := range raw {
		switch key {
		case "userId":
			if s, ok := value.(string); ok {
				p.UserID = s
			}
		case "onboardingComplete":
			if b, ok := value.(bool); ok {
				p.OnboardingComplete = b
			}
		case "createdAt":
			if n, ok := value.(float64); ok {
				p.CreatedAt = int64(n)
			}
		case "updatedAt":
			if n, ok := value.(float64); ok {
				p.UpdatedAt = int64(n)
			}
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[key] = value
		}
	}
	return nil
}

// Patch is a partial profile update sent to the merge-update endpoint.
// Values are validated as they are added, never on read.
type Patch map[string]any

// Set adds one field to the patch after validating the value type.
func (p Patch) Set(key string, value any) error {
	norm, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	p[key] = norm
	return nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return nil, ErrUnsupportedValue
	}
}
