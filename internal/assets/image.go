package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("assets: image not found")
	ErrInvalidValue     = errors.New("assets: invalid value")
	ErrUnknownOperation = errors.New("assets: unknown operation")
)

// Backend is the image catalog the operations write to and read back from.
// Apply is accepted immediately; Fetch reflects it only after propagation.
type Backend interface {
	Apply(ctx context.Context, operation, imageID string, value any) error
	Fetch(ctx context.Context, imageID string) (Image, error)
}

type Photoshoot struct {
	Title string `json:"title"`
}

type Metadata struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Byline      string      `json:"byline,omitempty"`
	Credit      string      `json:"credit,omitempty"`
	Photoshoot  *Photoshoot `json:"photoshoot,omitempty"`
}

type UsageRights struct {
	Category     string `json:"category"`
	Restrictions string `json:"restrictions,omitempty"`
}

// Image is one catalog record as served by the read path.
type Image struct {
	ID           string       `json:"id"`
	Metadata     Metadata     `json:"metadata"`
	Labels       []string     `json:"labels"`
	UsageRights  *UsageRights `json:"usageRights,omitempty"`
	Archived     bool         `json:"archived"`
	LastModified time.Time    `json:"lastModified"`
}

// Clone returns a deep copy.
func (img Image) Clone() Image {
	out := img
	out.Labels = slices.Clone(img.Labels)
	if img.Metadata.Photoshoot != nil {
		shoot := *img.Metadata.Photoshoot
		out.Metadata.Photoshoot = &shoot
	}
	if img.UsageRights != nil {
		rights := *img.UsageRights
		out.UsageRights = &rights
	}
	return out
}

func (img Image) HasLabel(label string) bool {
	return slices.Contains(img.Labels, label)
}

func stringValue(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected string, got %T", ErrInvalidValue, v)
	}
	return strings.TrimSpace(s), nil
}

func nonEmptyString(v any) (string, error) {
	s, err := stringValue(v)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: value must not be blank", ErrInvalidValue)
	}
	return s, nil
}

func boolValue(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expected bool, got %T", ErrInvalidValue, v)
	}
	return b, nil
}

// usageRightsValue accepts a UsageRights value or its decoded JSON object.
func usageRightsValue(v any) (UsageRights, error) {
	var out UsageRights
	switch rights := v.(type) {
	case UsageRights:
		out = rights
	case *UsageRights:
		if rights == nil {
			return UsageRights{}, fmt.Errorf("%w: nil usage rights", ErrInvalidValue)
		}
		out = *rights
	case map[string]any:
		raw, err := json.Marshal(rights)
		if err != nil {
			return UsageRights{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return UsageRights{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	default:
		return UsageRights{}, fmt.Errorf("%w: expected usage rights object, got %T", ErrInvalidValue, v)
	}
	out.Category = strings.TrimSpace(out.Category)
	if out.Category == "" {
		return UsageRights{}, fmt.Errorf("%w: usage rights category is required", ErrInvalidValue)
	}
	return out, nil
}
