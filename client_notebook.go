package learnsync

import (
	"context"
	"strings"

	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/models"
)

func (c *Client) CreatePage(ctx context.Context, title string) (models.CustomPage, error) {
	if err := c.checkOpen(); err != nil {
		return models.CustomPage{}, err
	}
	if err := requireTitle(title); err != nil {
		return models.CustomPage{}, wrap(err, "invalid page")
	}
	now := c.clock.Now()
	p := models.CustomPage{
		ID:        models.NewID(),
		Title:     strings.TrimSpace(title),
		Order:     c.store.Pages.NextOrder(func(models.CustomPage) bool { return true }, func(p models.CustomPage) int { return p.Order }),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Pages.Insert(p); err != nil {
		return models.CustomPage{}, wrap(err, "could not create page")
	}
	return p, c.commit(ctx, "create page", func(ctx context.Context) error {
		_, err := c.remote.Create(ctx, constants.TablePages, p)
		return err
	})
}

func (c *Client) UpdatePage(ctx context.Context, id, title string) (models.CustomPage, error) {
	if err := c.checkOpen(); err != nil {
		return models.CustomPage{}, err
	}
	if err := requireTitle(title); err != nil {
		return models.CustomPage{}, wrap(err, "invalid page")
	}
	now := c.clock.Now()
	p, err := c.store.Pages.Patch(id, func(p *models.CustomPage) error {
		p.Title = strings.TrimSpace(title)
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.CustomPage{}, wrap(err, "could not update page")
	}
	return p, c.commit(ctx, "update page", func(ctx context.Context) error {
		return c.remote.Update(ctx, constants.TablePages, id, p)
	})
}

// DeletePage removes the page and moves its fields to the unpaged group,
// after the fields already there.
func (c *Client) DeletePage(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.store.Pages.Remove(id); err != nil {
		return wrap(err, "could not delete page")
	}

	now := c.clock.Now()
	moved, err := c.store.MoveFields(&id, nil, func(f *models.CustomField) { f.UpdatedAt = now })
	if err != nil {
		return wrap(err, "could not move the fields of page "+id)
	}

	return c.commit(ctx, "delete page", func(ctx context.Context) error {
		if err := c.remote.Delete(ctx, constants.TablePages, id); err != nil {
			return err
		}
		if len(moved) == 0 {
			return nil
		}
		return c.remote.BatchUpsert(ctx, constants.TableFields, c.store.FieldsOfPage(nil))
	})
}

func (c *Client) ReorderPages(ctx context.Context, ids []string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.store.Pages.BulkReorder(ids); err != nil {
		return wrap(err, "could not reorder pages")
	}
	return c.commit(ctx, "reorder pages", func(ctx context.Context) error {
		return c.remote.BatchUpsert(ctx, constants.TablePages, c.store.Pages.List())
	})
}

// FieldInput declares a notebook field. A nil or null-like PageID puts it in
// the unpaged group.
type FieldInput struct {
	PageID      *string
	Label       string
	Type        models.FieldType
	Required    bool
	Placeholder string
	Constraints models.Constraints
}

type FieldPatch struct {
	Label       *string
	Type        *models.FieldType
	Required    *bool
	Placeholder *string
	Constraints *models.Constraints
	// MovePage moves the field to PageID, nil meaning the unpaged group.
	MovePage bool
	PageID   *string
}

func (c *Client) CreateField(ctx context.Context, in FieldInput) (models.CustomField, error) {
	if err := c.checkOpen(); err != nil {
		return models.CustomField{}, err
	}
	pageID := models.CanonicalPageID(in.PageID)
	if pageID != nil && !c.store.Pages.Has(*pageID) {
		return models.CustomField{}, newError(CodeNotFound, "no page "+*pageID)
	}
	f := models.CustomField{
		ID:          models.NewID(),
		PageID:      pageID,
		Label:       strings.TrimSpace(in.Label),
		Type:        in.Type,
		Required:    in.Required,
		Placeholder: in.Placeholder,
		Constraints: in.Constraints,
		Order:       c.store.NextFieldOrder(pageID),
		UpdatedAt:   c.clock.Now(),
	}
	if f.Type == "" {
		f.Type = models.FieldText
	}
	if err := models.ValidateField(f); err != nil {
		return models.CustomField{}, wrap(err, "invalid field")
	}
	if err := c.store.Fields.Insert(f); err != nil {
		return models.CustomField{}, wrap(err, "could not create field")
	}
	return f, c.commit(ctx, "create field", func(ctx context.Context) error {
		_, err := c.remote.Create(ctx, constants.TableFields, f)
		return err
	})
}

func (c *Client) UpdateField(ctx context.Context, id string, patch FieldPatch) (models.CustomField, error) {
	if err := c.checkOpen(); err != nil {
		return models.CustomField{}, err
	}
	var target *string
	nextOrder := 0
	if patch.MovePage {
		target = models.CanonicalPageID(patch.PageID)
		if target != nil && !c.store.Pages.Has(*target) {
			return models.CustomField{}, newError(CodeNotFound, "no page "+*target)
		}
		nextOrder = c.store.NextFieldOrder(target)
	}
	now := c.clock.Now()
	f, err := c.store.Fields.Patch(id, func(f *models.CustomField) error {
		if patch.Label != nil {
			f.Label = strings.TrimSpace(*patch.Label)
		}
		if patch.Type != nil {
			f.Type = *patch.Type
		}
		if patch.Required != nil {
			f.Required = *patch.Required
		}
		if patch.Placeholder != nil {
			f.Placeholder = *patch.Placeholder
		}
		if patch.Constraints != nil {
			f.Constraints = *patch.Constraints
		}
		if patch.MovePage && f.PageKey() != pageKeyOf(target) {
			f.PageID = target
			f.Order = nextOrder
		}
		f.UpdatedAt = now
		return models.ValidateField(*f)
	})
	if err != nil {
		return models.CustomField{}, wrap(err, "could not update field")
	}
	return f, c.commit(ctx, "update field", func(ctx context.Context) error {
		return c.remote.Update(ctx, constants.TableFields, id, f)
	})
}

func pageKeyOf(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

// DeleteField removes the field together with every value bound to it.
func (c *Client) DeleteField(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.store.Fields.Remove(id); err != nil {
		return wrap(err, "could not delete field")
	}
	c.store.Values.RemoveWhere(func(v models.CustomValue) bool { return v.FieldID == id })
	return c.commit(ctx, "delete field", func(ctx context.Context) error {
		return c.remote.Delete(ctx, constants.TableFields, id)
	})
}

// ReorderFields renumbers the fields of one page, nil being the unpaged
// group. Fields of that page missing from ids keep their relative order
// after the listed ones.
func (c *Client) ReorderFields(ctx context.Context, pageID *string, ids []string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.store.ReorderFields(pageID, ids); err != nil {
		return wrap(err, "could not reorder fields")
	}
	group := c.store.FieldsOfPage(pageID)
	return c.commit(ctx, "reorder fields", func(ctx context.Context) error {
		return c.remote.BatchUpsert(ctx, constants.TableFields, group)
	})
}

// SetValue stores a participant's answer for one field.
func (c *Client) SetValue(ctx context.Context, code, fieldID, value string) (models.CustomValue, error) {
	if err := c.checkOpen(); err != nil {
		return models.CustomValue{}, err
	}
	code = normalizeCode(code)
	if !c.store.Participants.Has(code) {
		return models.CustomValue{}, newError(CodeParticipantNotFound, "no participant with code "+code)
	}
	f, ok := c.store.Fields.Get(fieldID)
	if !ok {
		return models.CustomValue{}, newError(CodeNotFound, "no field "+fieldID)
	}
	if err := models.ValidateValue(f, value); err != nil {
		return models.CustomValue{}, wrap(err, "invalid value")
	}
	v := models.CustomValue{
		ID:              models.ValueID(code, fieldID),
		FieldID:         fieldID,
		ParticipantCode: code,
		Value:           strings.TrimSpace(value),
		UpdatedAt:       c.clock.Now(),
	}
	if err := c.store.Values.Upsert(v); err != nil {
		return models.CustomValue{}, wrap(err, "could not store value")
	}
	return v, c.commit(ctx, "set value", func(ctx context.Context) error {
		return c.remote.BatchUpsert(ctx, constants.TableValues, []models.CustomValue{v})
	})
}

// Notebook returns the values the participant holds, keyed by field id.
func (c *Client) Notebook(code string) map[string]string {
	out := make(map[string]string)
	for _, v := range c.store.ValuesOf(normalizeCode(code)) {
		out[v.FieldID] = v.Value
	}
	return out
}
