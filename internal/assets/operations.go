package assets

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/danmuck/assetsync/internal/catalog"
	"github.com/danmuck/assetsync/internal/poll"
)

const (
	OpTitle        = "metadata.title"
	OpDescription  = "metadata.description"
	OpByline       = "metadata.byline"
	OpCredit       = "metadata.credit"
	OpPhotoshoot   = "metadata.photoshoot"
	OpLabelsAdd    = "labels.add"
	OpLabelsRemove = "labels.remove"
	OpUsageRights  = "usage-rights.set"
	OpArchived     = "archived.set"
)

// OperationInfo describes one registered image operation.
type OperationInfo struct {
	Name        string `json:"name" yaml:"name"`
	Field       string `json:"field" yaml:"field"`
	Description string `json:"description" yaml:"description"`
}

type operation struct {
	OperationInfo
	mutate   func(img *Image, v any) error
	visible  func(img Image, v any) (bool, error)
	cascades []catalog.Cascade
}

var operations = map[string]operation{
	OpTitle:       metadataOp(OpTitle, "title", "Set the image title.", func(m *Metadata) *string { return &m.Title }),
	OpDescription: metadataOp(OpDescription, "description", "Set the image description.", func(m *Metadata) *string { return &m.Description }),
	OpByline:      metadataOp(OpByline, "byline", "Set the photographer byline.", func(m *Metadata) *string { return &m.Byline }),
	OpCredit:      metadataOp(OpCredit, "credit", "Set the image credit.", func(m *Metadata) *string { return &m.Credit }),
	OpPhotoshoot: {
		OperationInfo: OperationInfo{Name: OpPhotoshoot, Field: "photoshoot", Description: "Assign the image to a photoshoot and label it with the shoot title."},
		mutate: func(img *Image, v any) error {
			title, err := nonEmptyString(v)
			if err != nil {
				return err
			}
			img.Metadata.Photoshoot = &Photoshoot{Title: title}
			return nil
		},
		visible: func(img Image, v any) (bool, error) {
			title, err := nonEmptyString(v)
			if err != nil {
				return false, err
			}
			return img.Metadata.Photoshoot != nil && img.Metadata.Photoshoot.Title == title, nil
		},
		cascades: []catalog.Cascade{{
			Operation: OpLabelsAdd,
			Field:     "labels",
			Transform: func(v any) any {
				title, _ := stringValue(v)
				return title
			},
		}},
	},
	OpLabelsAdd: {
		OperationInfo: OperationInfo{Name: OpLabelsAdd, Field: "labels", Description: "Add a label."},
		mutate: func(img *Image, v any) error {
			label, err := nonEmptyString(v)
			if err != nil {
				return err
			}
			if !img.HasLabel(label) {
				img.Labels = append(img.Labels, label)
			}
			return nil
		},
		visible: func(img Image, v any) (bool, error) {
			label, err := nonEmptyString(v)
			if err != nil {
				return false, err
			}
			return img.HasLabel(label), nil
		},
	},
	OpLabelsRemove: {
		OperationInfo: OperationInfo{Name: OpLabelsRemove, Field: "labels", Description: "Remove a label."},
		mutate: func(img *Image, v any) error {
			label, err := nonEmptyString(v)
			if err != nil {
				return err
			}
			img.Labels = slices.DeleteFunc(img.Labels, func(l string) bool { return l == label })
			return nil
		},
		visible: func(img Image, v any) (bool, error) {
			label, err := nonEmptyString(v)
			if err != nil {
				return false, err
			}
			return !img.HasLabel(label), nil
		},
	},
	OpUsageRights: {
		OperationInfo: OperationInfo{Name: OpUsageRights, Field: "usageRights", Description: "Replace the usage rights."},
		mutate: func(img *Image, v any) error {
			rights, err := usageRightsValue(v)
			if err != nil {
				return err
			}
			img.UsageRights = &rights
			return nil
		},
		visible: func(img Image, v any) (bool, error) {
			rights, err := usageRightsValue(v)
			if err != nil {
				return false, err
			}
			return img.UsageRights != nil && *img.UsageRights == rights, nil
		},
	},
	OpArchived: {
		OperationInfo: OperationInfo{Name: OpArchived, Field: "archived", Description: "Archive or unarchive the image."},
		mutate: func(img *Image, v any) error {
			archived, err := boolValue(v)
			if err != nil {
				return err
			}
			img.Archived = archived
			return nil
		},
		visible: func(img Image, v any) (bool, error) {
			archived, err := boolValue(v)
			if err != nil {
				return false, err
			}
			return img.Archived == archived, nil
		},
	},
}

func metadataOp(name, field, description string, target func(*Metadata) *string) operation {
	return operation{
		OperationInfo: OperationInfo{Name: name, Field: field, Description: description},
		mutate: func(img *Image, v any) error {
			s, err := stringValue(v)
			if err != nil {
				return err
			}
			*target(&img.Metadata) = s
			return nil
		},
		visible: func(img Image, v any) (bool, error) {
			s, err := stringValue(v)
			if err != nil {
				return false, err
			}
			return *target(&img.Metadata) == s, nil
		},
	}
}

func lookup(name string) (operation, error) {
	op, ok := operations[name]
	if !ok {
		return operation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return op, nil
}

// Mutate applies operation to img in place.
func Mutate(img *Image, name string, value any) error {
	op, err := lookup(name)
	if err != nil {
		return err
	}
	return op.mutate(img, value)
}

// Visible reports whether img already reflects operation with value.
func Visible(img Image, name string, value any) (bool, error) {
	op, err := lookup(name)
	if err != nil {
		return false, err
	}
	return op.visible(img, value)
}

// ValidateValue checks value against operation without touching any image.
func ValidateValue(name string, value any) error {
	var scratch Image
	return Mutate(&scratch, name, value)
}

// Operations lists every image operation sorted by name.
func Operations() []OperationInfo {
	out := make([]OperationInfo, 0, len(operations))
	for _, op := range operations {
		out = append(out, op.OperationInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterOperations binds every image operation to backend and registers it
// in cat. overrides replaces the default polling policy per operation.
func RegisterOperations(cat *catalog.Catalog, backend Backend, overrides map[string]poll.Policy) error {
	// Overrides are checked up front so a bad one leaves cat untouched.
	for name, p := range overrides {
		if _, ok := operations[name]; !ok {
			return fmt.Errorf("%w: policy override for %s", ErrUnknownOperation, name)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	for _, info := range Operations() {
		op := operations[info.Name]
		policy := poll.DefaultPolicy()
		if p, ok := overrides[info.Name]; ok {
			policy = p
		}
		name := info.Name
		desc := catalog.Descriptor{
			Description: info.Description,
			Field:       info.Field,
			Policy:      policy,
			Cascades:    op.cascades,
			Write: func(ctx context.Context, imageID string, value any) error {
				if err := op.mutate(&Image{}, value); err != nil {
					return err
				}
				return backend.Apply(ctx, name, imageID, value)
			},
			Check: func(ctx context.Context, imageID string, value any) (catalog.CheckResult, error) {
				img, err := backend.Fetch(ctx, imageID)
				if err != nil {
					return catalog.CheckResult{}, err
				}
				ok, err := op.visible(img, value)
				if err != nil || !ok {
					return catalog.CheckResult{}, err
				}
				return catalog.CheckResult{Applied: true, Snapshot: img}, nil
			},
		}
		if err := cat.Register(name, desc); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}
