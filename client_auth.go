package learnsync

import (
	"context"
	"strings"

	"github.com/learnsync/learnsync/pkg/hydrate"
	"github.com/learnsync/learnsync/pkg/models"
	"github.com/learnsync/learnsync/pkg/syncer"
)

// LoginResult reports the outcome of an operator login step. When
// OTPRequired is set, VerifyOTP must follow before User is available.
type LoginResult struct {
	OTPRequired bool
	User        *models.User
}

// Login is the first step of operator authentication. Without a gateway it
// is a no-op and nobody gets signed in.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	if err := c.checkOpen(); err != nil {
		return LoginResult{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return LoginResult{}, newError(CodeInvalidCredentials, "email and password are required")
	}
	res, err := c.remote.Login(ctx, email, password)
	if err != nil {
		return LoginResult{}, wrap(err, "login failed")
	}
	return c.signIn(res.OTPRequired, res.User), nil
}

// VerifyOTP completes a login that asked for a second factor.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (LoginResult, error) {
	if err := c.checkOpen(); err != nil {
		return LoginResult{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return LoginResult{}, newError(CodeInvalidOTP, "the code is required")
	}
	res, err := c.remote.VerifyOTP(ctx, strings.ToLower(strings.TrimSpace(email)), code)
	if err != nil {
		return LoginResult{}, wrap(err, "code verification failed")
	}
	return c.signIn(res.OTPRequired, res.User), nil
}

func (c *Client) signIn(otpRequired bool, row map[string]any) LoginResult {
	out := LoginResult{OTPRequired: otpRequired}
	if otpRequired {
		return out
	}
	u, ok := hydrate.UserFromRow(row)
	if !ok {
		return out
	}
	if err := c.store.Users.Upsert(u); err != nil {
		c.log.Warn("could not store signed in user", "uid", u.UID, "error", err)
	}
	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()
	c.log.Info("operator signed in", "uid", u.UID)
	out.User = &u
	return out
}

// ParticipantLogin opens a session for the participant holding code. With a
// gateway the code is checked remotely; offline it must exist in the store.
func (c *Client) ParticipantLogin(ctx context.Context, code string) (models.Participant, error) {
	if err := c.checkOpen(); err != nil {
		return models.Participant{}, err
	}
	code = normalizeCode(code)
	if code == "" {
		return models.Participant{}, newError(CodeParticipantNotFound, "the access code is required")
	}
	if !c.remote.Configured() {
		p, ok := c.store.Participants.Get(code)
		if !ok {
			return models.Participant{}, newError(CodeParticipantNotFound, "no participant with code "+code)
		}
		return p, nil
	}

	sess, err := c.remote.ParticipantLogin(ctx, code)
	if err != nil {
		return models.Participant{}, wrap(err, "participant login failed")
	}
	remote, ok := hydrate.ParticipantFromRow(sess.Participant)
	if !ok {
		return models.Participant{}, newError(CodeParticipantNotFound, "no participant with code "+code)
	}
	p, err := c.store.Participants.UpsertWith(remote.Code, func(local models.Participant, ok bool) (models.Participant, error) {
		if !ok {
			return remote, nil
		}
		merged := remote
		if c.sync.IsDirty(remote.Code) {
			merged = local
		}
		merged.LessonProgress = syncer.Merge(local.LessonProgress, remote.LessonProgress)
		return merged.Normalize(), nil
	})
	if err != nil {
		return models.Participant{}, wrap(err, "could not store participant")
	}
	return p, nil
}

// Logout ends the operator session. The local session is always dropped,
// even when the gateway call fails.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.user = nil
	c.mu.Unlock()
	return wrap(c.remote.Logout(ctx), "logout failed")
}

// CurrentUser is the signed in operator, if any.
func (c *Client) CurrentUser() (models.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return models.User{}, false
	}
	return *c.user, true
}
