// Package store holds the canonical in-memory copy of every entity group and
// notifies observers whenever a group changes.
//
// The store performs no I/O. Everything it hands out is a clone, so callers
// must route writes back through the mutation methods of the collections.
package store

import (
	"slices"
	"strings"

	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/models"
)

// Store aggregates one Collection per entity group. Build it with New and
// pass it to whoever needs it.
type Store struct {
	Topics       *Collection[models.Topic]
	Contents     *Collection[models.Content]
	Lessons      *Collection[models.Lesson]
	Users        *Collection[models.User]
	Participants *Collection[models.Participant]
	Pages        *Collection[models.CustomPage]
	Fields       *Collection[models.CustomField]
	Values       *Collection[models.CustomValue]
}

func New() *Store {
	return &Store{
		Topics: NewCollection(constants.TableTopics,
			byOrderThenLabel(func(t models.Topic) int { return t.Order }, models.Topic.Label, models.Topic.Key),
			func(t *models.Topic, i int) { t.Order = i }),
		Contents: NewCollection(constants.TableContents,
			byOrderThenLabel(func(c models.Content) int { return c.Order }, models.Content.Label, models.Content.Key),
			func(c *models.Content, i int) { c.Order = i }),
		Lessons: NewCollection(constants.TableLessons,
			byOrderThenLabel(func(l models.Lesson) int { return l.Order }, models.Lesson.Label, models.Lesson.Key),
			func(l *models.Lesson, i int) { l.Order = i }),
		Users: NewCollection(constants.TableUsers,
			byLabel(models.User.Label, models.User.Key), nil),
		Participants: NewCollection(constants.TableParticipants,
			byLabel(models.Participant.Label, models.Participant.Key), nil),
		Pages: NewCollection(constants.TablePages,
			byOrderThenLabel(func(p models.CustomPage) int { return p.Order }, models.CustomPage.Label, models.CustomPage.Key),
			func(p *models.CustomPage, i int) { p.Order = i }),
		Fields: NewCollection(constants.TableFields, fieldLess,
			func(f *models.CustomField, i int) { f.Order = i }),
		Values: NewCollection(constants.TableValues, valueLess, nil),
	}
}

// ReorderContents rewrites the order of the contents under topicID.
func (s *Store) ReorderContents(topicID string, ids []string) error {
	return s.Contents.ReorderGroup(ids, func(c models.Content) bool { return c.TopicID == topicID })
}

// ReorderLessons rewrites the order of the lessons under contentID.
func (s *Store) ReorderLessons(contentID string, ids []string) error {
	return s.Lessons.ReorderGroup(ids, func(l models.Lesson) bool { return l.ContentID == contentID })
}

// ReorderFields rewrites the order of the fields of one page group; a nil
// pageID addresses the unpaged group.
func (s *Store) ReorderFields(pageID *string, ids []string) error {
	group := pageKey(models.CanonicalPageID(pageID))
	return s.Fields.ReorderGroup(ids, func(f models.CustomField) bool { return f.PageKey() == group })
}

// FieldsOfPage lists the fields of one page group in display order.
func (s *Store) FieldsOfPage(pageID *string) []models.CustomField {
	group := pageKey(models.CanonicalPageID(pageID))
	return s.Fields.Filter(func(f models.CustomField) bool { return f.PageKey() == group })
}

// NextFieldOrder is the order a field appended to the page group gets.
func (s *Store) NextFieldOrder(pageID *string) int {
	group := pageKey(models.CanonicalPageID(pageID))
	return s.Fields.NextOrder(
		func(f models.CustomField) bool { return f.PageKey() == group },
		func(f models.CustomField) int { return f.Order },
	)
}

// MoveFields moves every field of page from to the end of page to, keeping
// their display order, in one emission. touch, when set, is applied to each
// moved field. The moved fields are returned.
func (s *Store) MoveFields(from, to *string, touch func(*models.CustomField)) ([]models.CustomField, error) {
	src := pageKey(models.CanonicalPageID(from))
	dst := models.CanonicalPageID(to)
	dstKey := pageKey(dst)
	if src == dstKey {
		return nil, nil
	}
	var moved []models.CustomField
	err := s.Fields.Update(func(items map[string]models.CustomField) error {
		next := 0
		var group []models.CustomField
		for _, f := range items {
			switch f.PageKey() {
			case src:
				group = append(group, f)
			case dstKey:
				if f.Order >= next {
					next = f.Order + 1
				}
			}
		}
		slices.SortFunc(group, func(a, b models.CustomField) int {
			switch {
			case fieldLess(a, b):
				return -1
			case fieldLess(b, a):
				return 1
			}
			return 0
		})
		for i, f := range group {
			if dst == nil {
				f.PageID = nil
			} else {
				id := *dst
				f.PageID = &id
			}
			f.Order = next + i
			if touch != nil {
				touch(&f)
			}
			items[f.ID] = f
			moved = append(moved, f.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// ValuesOf lists the notebook values of one participant.
func (s *Store) ValuesOf(code string) []models.CustomValue {
	return s.Values.Filter(func(v models.CustomValue) bool { return v.ParticipantCode == code })
}

// Counts reports the size of every group, keyed by table name.
func (s *Store) Counts() map[string]int {
	return map[string]int{
		s.Topics.Name():       s.Topics.Len(),
		s.Contents.Name():     s.Contents.Len(),
		s.Lessons.Name():      s.Lessons.Len(),
		s.Users.Name():        s.Users.Len(),
		s.Participants.Name(): s.Participants.Len(),
		s.Pages.Name():        s.Pages.Len(),
		s.Fields.Name():       s.Fields.Len(),
		s.Values.Name():       s.Values.Len(),
	}
}

func pageKey(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func byOrderThenLabel[T any](order func(T) int, label, key func(T) string) func(a, b T) bool {
	return func(a, b T) bool {
		if oa, ob := order(a), order(b); oa != ob {
			return oa < ob
		}
		return labelLess(label(a), label(b), key(a), key(b))
	}
}

func byLabel[T any](label, key func(T) string) func(a, b T) bool {
	return func(a, b T) bool {
		return labelLess(label(a), label(b), key(a), key(b))
	}
}

// labelLess compares case-insensitively, then case-sensitively, then by key,
// so the order is total and stable across runs.
func labelLess(la, lb, ka, kb string) bool {
	if fa, fb := strings.ToLower(la), strings.ToLower(lb); fa != fb {
		return fa < fb
	}
	if la != lb {
		return la < lb
	}
	return ka < kb
}

func fieldLess(a, b models.CustomField) bool {
	if pa, pb := a.PageKey(), b.PageKey(); pa != pb {
		return pa < pb
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return labelLess(a.Label, b.Label, a.ID, b.ID)
}

func valueLess(a, b models.CustomValue) bool {
	if a.ParticipantCode != b.ParticipantCode {
		return a.ParticipantCode < b.ParticipantCode
	}
	if a.FieldID != b.FieldID {
		return a.FieldID < b.FieldID
	}
	return a.ID < b.ID
}
