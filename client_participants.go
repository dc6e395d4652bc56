package learnsync

import (
	"context"
	"errors"
	"strings"

	"github.com/learnsync/learnsync/internal/rand"
	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/gateway"
	"github.com/learnsync/learnsync/pkg/hydrate"
	"github.com/learnsync/learnsync/pkg/models"
	"github.com/learnsync/learnsync/pkg/store"
	"github.com/learnsync/learnsync/pkg/syncer"
)

// accessCodeAttempts bounds the draws for a free access code.
const accessCodeAttempts = 64

type ParticipantInput struct {
	FirstName     string
	LastName      string
	PreferredName string
	Email         string
	Phone         string
	BirthDate     string
	Notes         string
	// Active defaults to true.
	Active *bool
}

// ParticipantPatch changes the non-nil fields only.
type ParticipantPatch struct {
	FirstName     *string
	LastName      *string
	PreferredName *string
	Email         *string
	Phone         *string
	BirthDate     *string
	Notes         *string
	Active        *bool
}

// ProgressUpdate reports a playback position. Completed marks the lesson
// complete regardless of the position. Immediate skips the debounce, for
// moments like the page being hidden.
type ProgressUpdate struct {
	LessonID  string
	Position  float64
	Duration  float64
	Completed bool
	Immediate bool
}

func validateProfile(email, phone, birthDate string) error {
	checks := []struct {
		t     models.FieldType
		name  string
		value string
	}{
		{models.FieldEmail, "email", email},
		{models.FieldPhone, "phone", phone},
		{models.FieldDate, "birthDate", birthDate},
	}
	for _, chk := range checks {
		if strings.TrimSpace(chk.value) == "" {
			continue
		}
		if err := models.ValidateValue(models.CustomField{ID: chk.name, Label: chk.name, Type: chk.t}, chk.value); err != nil {
			return err
		}
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateParticipant adds a participant under a fresh access code. The
// participant is dirty until the next flush confirms it.
func (c *Client) CreateParticipant(ctx context.Context, in ParticipantInput) (models.Participant, error) {
	if err := c.checkOpen(); err != nil {
		return models.Participant{}, err
	}
	if strings.TrimSpace(in.FirstName+in.LastName+in.PreferredName) == "" {
		return models.Participant{}, wrap(&models.ValidationError{Field: "name", Reason: "is required"}, "invalid participant")
	}
	if err := validateProfile(in.Email, in.Phone, in.BirthDate); err != nil {
		return models.Participant{}, wrap(err, "invalid participant")
	}

	code, ok := rand.UniqueString(constants.AccessCodeAlphabet, constants.AccessCodeLength, accessCodeAttempts, c.store.Participants.Has)
	if !ok {
		return models.Participant{}, newError(CodeConflict, "no free access code left")
	}

	now := c.clock.Now()
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	p := models.Participant{
		Code:           code,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		PreferredName:  in.PreferredName,
		Email:          strings.TrimSpace(in.Email),
		Phone:          strings.TrimSpace(in.Phone),
		BirthDate:      strings.TrimSpace(in.BirthDate),
		Notes:          in.Notes,
		Active:         active,
		CreatedAt:      now,
		UpdatedAt:      now,
		LessonProgress: models.ProgressMap{},
	}.Normalize()

	c.sync.Mark(code)
	if err := c.store.Participants.Insert(p); err != nil {
		c.sync.Forget(code)
		return models.Participant{}, wrap(err, "could not create participant")
	}
	c.log.Info("participant created", "code", code)
	c.sync.Touch(ctx, code, false)
	return p, nil
}

func (c *Client) UpdateParticipant(ctx context.Context, code string, patch ParticipantPatch) (models.Participant, error) {
	if err := c.checkOpen(); err != nil {
		return models.Participant{}, err
	}
	code = normalizeCode(code)
	now := c.clock.Now()
	p, err := c.store.Participants.Patch(code, func(p *models.Participant) error {
		set := func(dst *string, src *string) {
			if src != nil {
				*dst = strings.TrimSpace(*src)
			}
		}
		set(&p.FirstName, patch.FirstName)
		set(&p.LastName, patch.LastName)
		set(&p.PreferredName, patch.PreferredName)
		set(&p.Email, patch.Email)
		set(&p.Phone, patch.Phone)
		set(&p.BirthDate, patch.BirthDate)
		if patch.Notes != nil {
			p.Notes = *patch.Notes
		}
		if patch.Active != nil {
			p.Active = *patch.Active
		}
		if err := validateProfile(p.Email, p.Phone, p.BirthDate); err != nil {
			return err
		}
		p.UpdatedAt = now
		*p = p.Normalize()
		return nil
	})
	if err != nil {
		return models.Participant{}, participantErr(err, "could not update participant")
	}
	c.sync.Touch(ctx, code, false)
	return p, nil
}

// DeleteParticipant removes the participant with its notebook values and
// cached progress, then confirms the deletion with the gateway.
func (c *Client) DeleteParticipant(ctx context.Context, code string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	code = normalizeCode(code)
	if _, err := c.store.Participants.Remove(code); err != nil {
		return participantErr(err, "could not delete participant")
	}
	c.store.Values.RemoveWhere(func(v models.CustomValue) bool { return v.ParticipantCode == code })
	c.sync.Forget(code)
	if err := c.cache.DeleteProgress(ctx, code); err != nil {
		c.log.Warn("could not delete progress cache", "code", code, "error", err)
	}

	return c.commit(ctx, "delete participant", func(ctx context.Context) error {
		err := c.remote.Delete(ctx, constants.TableParticipants, code)
		if gateway.IsCode(err, CodeNotFound) {
			// Never reached the gateway.
			return nil
		}
		return err
	})
}

// GetParticipant looks the code up in the store and falls back to the
// gateway, keeping what it finds there.
func (c *Client) GetParticipant(ctx context.Context, code string) (models.Participant, error) {
	if err := c.checkOpen(); err != nil {
		return models.Participant{}, err
	}
	code = normalizeCode(code)
	if p, ok := c.store.Participants.Get(code); ok {
		return p, nil
	}
	row, err := c.remote.Get(ctx, constants.TableParticipants, code)
	if err != nil {
		return models.Participant{}, wrap(err, "could not fetch participant")
	}
	p, ok := hydrate.ParticipantFromRow(row)
	if !ok {
		return models.Participant{}, newError(CodeParticipantNotFound, "no participant with code "+code)
	}
	p, err = c.store.Participants.UpsertWith(p.Code, func(local models.Participant, ok bool) (models.Participant, error) {
		if ok {
			// Created locally while the gateway answered.
			return local, nil
		}
		return p, nil
	})
	if err != nil {
		return models.Participant{}, wrap(err, "could not store participant")
	}
	return p, nil
}

// RecordProgress applies a playback position to the participant's progress
// on one lesson. Completing a lesson flushes immediately; other updates wait
// for the debounce.
func (c *Client) RecordProgress(ctx context.Context, code string, upd ProgressUpdate) (models.LearningProgress, error) {
	if err := c.checkOpen(); err != nil {
		return models.LearningProgress{}, err
	}
	code = normalizeCode(code)
	lessonID := strings.TrimSpace(upd.LessonID)
	if lessonID == "" {
		return models.LearningProgress{}, wrap(&models.ValidationError{Field: "lessonId", Reason: "is required"}, "invalid progress")
	}

	lesson, known := c.store.Lessons.Get(lessonID)
	now := c.clock.Now()
	var rec models.LearningProgress
	var completedNow bool
	p, err := c.store.Participants.Patch(code, func(p *models.Participant) error {
		rec = p.LessonProgress[lessonID]
		wasComplete := rec.Completed
		rec.ParticipantID = code
		rec.LessonID = lessonID
		duration := upd.Duration
		if known {
			rec.ContentID = lesson.ContentID
			rec.TopicID = lesson.TopicID
			if duration <= 0 {
				duration = lesson.Duration
			}
		}
		rec = syncer.ApplyPosition(rec, upd.Position, duration, now)
		if upd.Completed {
			rec = syncer.MarkComplete(rec, now)
		}
		completedNow = !wasComplete && rec.Completed
		if p.LessonProgress == nil {
			p.LessonProgress = models.ProgressMap{}
		}
		p.LessonProgress[lessonID] = rec
		p.UpdatedAt = now
		*p = p.Normalize()
		rec = p.LessonProgress[lessonID]
		return nil
	})
	if err != nil {
		return models.LearningProgress{}, participantErr(err, "could not record progress")
	}

	if err := c.cache.SaveProgress(ctx, code, p.LessonProgress, true); err != nil {
		c.log.Warn("could not cache progress", "code", code, "error", err)
	}
	c.sync.Touch(ctx, code, upd.Immediate || completedNow)
	return rec.Clone(), nil
}

func participantErr(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Code: CodeParticipantNotFound, Message: message, Err: err}
	}
	return wrap(err, message)
}
