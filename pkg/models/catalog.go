package models

import "time"

// Cover is optional artwork attached to a catalog node.
type Cover struct {
	URL    string `json:"url"`
	Alt    string `json:"alt,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

func (c *Cover) clone() *Cover {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Topic is the root of the catalog tree.
type Topic struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Order       int       `json:"order"`
	Cover       *Cover    `json:"cover,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (t Topic) Key() string   { return t.ID }
func (t Topic) Label() string { return t.Title }

func (t Topic) Clone() Topic {
	t.Cover = t.Cover.clone()
	return t
}

// Content groups lessons under a topic.
type Content struct {
	ID          string    `json:"id"`
	TopicID     string    `json:"topicId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Order       int       `json:"order"`
	Cover       *Cover    `json:"cover,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (c Content) Key() string   { return c.ID }
func (c Content) Label() string { return c.Title }

func (c Content) Clone() Content {
	c.Cover = c.Cover.clone()
	return c
}

// Lesson is a single watchable unit. Duration is expressed in seconds.
type Lesson struct {
	ID        string    `json:"id"`
	ContentID string    `json:"contentId"`
	TopicID   string    `json:"topicId,omitempty"`
	Title     string    `json:"title"`
	VideoURL  string    `json:"videoUrl,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Order     int       `json:"order"`
	Cover     *Cover    `json:"cover,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (l Lesson) Key() string   { return l.ID }
func (l Lesson) Label() string { return l.Title }

func (l Lesson) Clone() Lesson {
	l.Cover = l.Cover.clone()
	return l
}
