package learnsync

import (
	"context"
	"strings"

	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/models"
)

type TopicInput struct {
	Title       string
	Description string
	Cover       *models.Cover
}

type ContentInput struct {
	TopicID     string
	Title       string
	Description string
	Cover       *models.Cover
}

type LessonInput struct {
	ContentID string
	Title     string
	VideoURL  string
	Duration  float64
	Cover     *models.Cover
}

// CatalogPatch changes the non-nil fields of a topic, content or lesson.
// VideoURL and Duration apply to lessons only.
type CatalogPatch struct {
	Title       *string
	Description *string
	Cover       *models.Cover
	ClearCover  bool
	VideoURL    *string
	Duration    *float64
}

func requireTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return &models.ValidationError{Field: "title", Reason: "is required"}
	}
	return nil
}

func (p CatalogPatch) validate() error {
	if p.Title != nil {
		if err := requireTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Duration != nil && *p.Duration < 0 {
		return &models.ValidationError{Field: "duration", Reason: "must not be negative"}
	}
	return nil
}

func (p CatalogPatch) apply(title, description *string, cover **models.Cover) {
	if p.Title != nil {
		*title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil && description != nil {
		*description = *p.Description
	}
	switch {
	case p.ClearCover:
		*cover = nil
	case p.Cover != nil:
		cp := *p.Cover
		*cover = &cp
	}
}

func (c *Client) CreateTopic(ctx context.Context, in TopicInput) (models.Topic, error) {
	if err := c.checkOpen(); err != nil {
		return models.Topic{}, err
	}
	if err := requireTitle(in.Title); err != nil {
		return models.Topic{}, wrap(err, "invalid topic")
	}
	now := c.clock.Now()
	t := models.Topic{
		ID:          models.NewID(),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Order:       c.store.Topics.NextOrder(func(models.Topic) bool { return true }, func(t models.Topic) int { return t.Order }),
		Cover:       in.Cover,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.Topics.Insert(t); err != nil {
		return models.Topic{}, wrap(err, "could not create topic")
	}
	return t, c.commit(ctx, "create topic", func(ctx context.Context) error {
		_, err := c.remote.Create(ctx, constants.TableTopics, t)
		return err
	})
}

func (c *Client) UpdateTopic(ctx context.Context, id string, patch CatalogPatch) (models.Topic, error) {
	if err := c.checkOpen(); err != nil {
		return models.Topic{}, err
	}
	if err := patch.validate(); err != nil {
		return models.Topic{}, wrap(err, "invalid topic")
	}
	now := c.clock.Now()
	t, err := c.store.Topics.Patch(id, func(t *models.Topic) error {
		patch.apply(&t.Title, &t.Description, &t.Cover)
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Topic{}, wrap(err, "could not update topic")
	}
	return t, c.commit(ctx, "update topic", func(ctx context.Context) error {
		return c.remote.Update(ctx, constants.TableTopics, id, t)
	})
}

// DeleteTopic removes the topic together with its contents and lessons.
func (c *Client) DeleteTopic(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.store.Topics.Remove(id); err != nil {
		return wrap(err, "could not delete topic")
	}
	contents := make(map[string]bool)
	for _, ct := range c.store.Contents.Filter(func(ct models.Content) bool { return ct.TopicID == id }) {
		contents[ct.ID] = true
	}
	c.store.Contents.RemoveWhere(func(ct models.Content) bool { return contents[ct.ID] })
	c.store.Lessons.RemoveWhere(func(l models.Lesson) bool { return l.TopicID == id || contents[l.ContentID] })

	return c.commit(ctx, "delete topic", func(ctx context.Context) error {
		return c.remote.Delete(ctx, constants.TableTopics, id)
	})
}

// ReorderTopics gives the listed topics the orders 0..n-1.
func (c *Client) ReorderTopics(ctx context.Context, ids []string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.store.Topics.BulkReorder(ids); err != nil {
		return wrap(err, "could not reorder topics")
	}
	return c.commit(ctx, "reorder topics", func(ctx context.Context) error {
		return c.remote.BatchUpsert(ctx, constants.TableTopics, c.store.Topics.List())
	})
}

func (c *Client) CreateContent(ctx context.Context, in ContentInput) (models.Content, error) {
	if err := c.checkOpen(); err != nil {
		return models.Content{}, err
	}
	if err := requireTitle(in.Title); err != nil {
		return models.Content{}, wrap(err, "invalid content")
	}
	if !c.store.Topics.Has(in.TopicID) {
		return models.Content{}, newError(CodeNotFound, "no topic "+in.TopicID)
	}
	now := c.clock.Now()
	ct := models.Content{
		ID:          models.NewID(),
		TopicID:     in.TopicID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Order: c.store.Contents.NextOrder(
			func(ct models.Content) bool { return ct.TopicID == in.TopicID },
			func(ct models.Content) int { return ct.Order }),
		Cover:     in.Cover,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Contents.Insert(ct); err != nil {
		return models.Content{}, wrap(err, "could not create content")
	}
	return ct, c.commit(ctx, "create content", func(ctx context.Context) error {
		_, err := c.remote.Create(ctx, constants.TableContents, ct)
		return err
	})
}

func (c *Client) UpdateContent(ctx context.Context, id string, patch CatalogPatch) (models.Content, error) {
	if err := c.checkOpen(); err != nil {
		return models.Content{}, err
	}
	if err := patch.validate(); err != nil {
		return models.Content{}, wrap(err, "invalid content")
	}
	now := c.clock.Now()
	ct, err := c.store.Contents.Patch(id, func(ct *models.Content) error {
		patch.apply(&ct.Title, &ct.Description, &ct.Cover)
		ct.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Content{}, wrap(err, "could not update content")
	}
	return ct, c.commit(ctx, "update content", func(ctx context.Context) error {
		return c.remote.Update(ctx, constants.TableContents, id, ct)
	})
}

// DeleteContent removes the content and its lessons.
func (c *Client) DeleteContent(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.store.Contents.Remove(id); err != nil {
		return wrap(err, "could not delete content")
	}
	c.store.Lessons.RemoveWhere(func(l models.Lesson) bool { return l.ContentID == id })
	return c.commit(ctx, "delete content", func(ctx context.Context) error {
		return c.remote.Delete(ctx, constants.TableContents, id)
	})
}

func (c *Client) ReorderContents(ctx context.Context, topicID string, ids []string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.store.ReorderContents(topicID, ids); err != nil {
		return wrap(err, "could not reorder contents")
	}
	group := c.store.Contents.Filter(func(ct models.Content) bool { return ct.TopicID == topicID })
	return c.commit(ctx, "reorder contents", func(ctx context.Context) error {
		return c.remote.BatchUpsert(ctx, constants.TableContents, group)
	})
}

func (c *Client) CreateLesson(ctx context.Context, in LessonInput) (models.Lesson, error) {
	if err := c.checkOpen(); err != nil {
		return models.Lesson{}, err
	}
	if err := requireTitle(in.Title); err != nil {
		return models.Lesson{}, wrap(err, "invalid lesson")
	}
	if in.Duration < 0 {
		return models.Lesson{}, wrap(&models.ValidationError{Field: "duration", Reason: "must not be negative"}, "invalid lesson")
	}
	content, ok := c.store.Contents.Get(in.ContentID)
	if !ok {
		return models.Lesson{}, newError(CodeNotFound, "no content "+in.ContentID)
	}
	now := c.clock.Now()
	l := models.Lesson{
		ID:        models.NewID(),
		ContentID: content.ID,
		TopicID:   content.TopicID,
		Title:     strings.TrimSpace(in.Title),
		VideoURL:  strings.TrimSpace(in.VideoURL),
		Duration:  in.Duration,
		Order: c.store.Lessons.NextOrder(
			func(l models.Lesson) bool { return l.ContentID == content.ID },
			func(l models.Lesson) int { return l.Order }),
		Cover:     in.Cover,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Lessons.Insert(l); err != nil {
		return models.Lesson{}, wrap(err, "could not create lesson")
	}
	return l, c.commit(ctx, "create lesson", func(ctx context.Context) error {
		_, err := c.remote.Create(ctx, constants.TableLessons, l)
		return err
	})
}

func (c *Client) UpdateLesson(ctx context.Context, id string, patch CatalogPatch) (models.Lesson, error) {
	if err := c.checkOpen(); err != nil {
		return models.Lesson{}, err
	}
	if err := patch.validate(); err != nil {
		return models.Lesson{}, wrap(err, "invalid lesson")
	}
	now := c.clock.Now()
	l, err := c.store.Lessons.Patch(id, func(l *models.Lesson) error {
		patch.apply(&l.Title, nil, &l.Cover)
		if patch.VideoURL != nil {
			l.VideoURL = strings.TrimSpace(*patch.VideoURL)
		}
		if patch.Duration != nil {
			l.Duration = *patch.Duration
		}
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Lesson{}, wrap(err, "could not update lesson")
	}
	return l, c.commit(ctx, "update lesson", func(ctx context.Context) error {
		return c.remote.Update(ctx, constants.TableLessons, id, l)
	})
}

func (c *Client) DeleteLesson(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.store.Lessons.Remove(id); err != nil {
		return wrap(err, "could not delete lesson")
	}
	return c.commit(ctx, "delete lesson", func(ctx context.Context) error {
		return c.remote.Delete(ctx, constants.TableLessons, id)
	})
}

func (c *Client) ReorderLessons(ctx context.Context, contentID string, ids []string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.store.ReorderLessons(contentID, ids); err != nil {
		return wrap(err, "could not reorder lessons")
	}
	group := c.store.Lessons.Filter(func(l models.Lesson) bool { return l.ContentID == contentID })
	return c.commit(ctx, "reorder lessons", func(ctx context.Context) error {
		return c.remote.BatchUpsert(ctx, constants.TableLessons, group)
	})
}

type UserInput struct {
	Email    string
	FullName string
	Role     models.Role
	// Password is sent to the gateway only and never stored.
	Password string
}

type UserPatch struct {
	FullName *string
	Role     *models.Role
	IsActive *bool
}

func (c *Client) CreateUser(ctx context.Context, in UserInput) (models.User, error) {
	if err := c.checkOpen(); err != nil {
		return models.User{}, err
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if err := models.ValidateValue(models.CustomField{ID: "email", Label: "email", Type: models.FieldEmail, Required: true}, email); err != nil {
		return models.User{}, wrap(err, "invalid user")
	}
	for _, u := range c.store.Users.List() {
		if strings.EqualFold(u.Email, email) {
			return models.User{}, newError(CodeConflict, "a user with this email exists")
		}
	}
	u := models.User{
		UID:       models.NewID(),
		Email:     email,
		FullName:  strings.TrimSpace(in.FullName),
		Role:      models.ParseRole(string(in.Role)),
		IsActive:  true,
		CreatedAt: c.clock.Now(),
	}
	if err := c.store.Users.Insert(u); err != nil {
		return models.User{}, wrap(err, "could not create user")
	}
	return u, c.commit(ctx, "create user", func(ctx context.Context) error {
		record := map[string]any{
			"uid":       u.UID,
			"email":     u.Email,
			"fullName":  u.FullName,
			"role":      u.Role,
			"isActive":  u.IsActive,
			"createdAt": u.CreatedAt,
		}
		if in.Password != "" {
			record["password"] = in.Password
		}
		_, err := c.remote.Create(ctx, constants.TableUsers, record)
		return err
	})
}

func (c *Client) UpdateUser(ctx context.Context, uid string, patch UserPatch) (models.User, error) {
	if err := c.checkOpen(); err != nil {
		return models.User{}, err
	}
	u, err := c.store.Users.Patch(uid, func(u *models.User) error {
		if patch.FullName != nil {
			u.FullName = strings.TrimSpace(*patch.FullName)
		}
		if patch.Role != nil {
			u.Role = models.ParseRole(string(*patch.Role))
		}
		if patch.IsActive != nil {
			u.IsActive = *patch.IsActive
		}
		return nil
	})
	if err != nil {
		return models.User{}, wrap(err, "could not update user")
	}
	return u, c.commit(ctx, "update user", func(ctx context.Context) error {
		return c.remote.Update(ctx, constants.TableUsers, uid, u)
	})
}

func (c *Client) DeleteUser(ctx context.Context, uid string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.store.Users.Remove(uid); err != nil {
		return wrap(err, "could not delete user")
	}
	return c.commit(ctx, "delete user", func(ctx context.Context) error {
		return c.remote.Delete(ctx, constants.TableUsers, uid)
	})
}
