package gateway

import (
	"context"
	"fmt"
	"net/url"

	"github.com/buger/jsonparser"

	"github.com/learnsync/learnsync/pkg/constants"
)

// Action names understood by the gateway.
const (
	ActionDump             = "dump"
	ActionGet              = "get"
	ActionNonce            = "nonce"
	ActionBatchUpsert      = "batch_upsert"
	ActionCreate           = "create"
	ActionUpdate           = "update"
	ActionDelete           = "delete"
	ActionLogin            = "auth_login"
	ActionVerifyOTP        = "auth_verify_otp"
	ActionLogout           = "auth_logout"
	ActionParticipantLogin = "participant_login"
)

// LoginResult is the outcome of an authentication step. When OTPRequired is
// set the session is not open yet and VerifyOTP must follow.
type LoginResult struct {
	OTPRequired  bool   `json:"otpRequired"`
	SessionToken string `json:"sessionToken"`
	User         Row    `json:"user"`
}

// ParticipantSession is returned by a successful participant login.
type ParticipantSession struct {
	SessionToken string `json:"sessionToken"`
	Participant  Row    `json:"participant"`
}

// Dump fetches every table. skipped lists tables (or table[index] rows) that
// were not arrays of objects and were left out.
func (c *Client) Dump(ctx context.Context) (dump Dump, skipped []string, err error) {
	if !c.Configured() {
		return nil, nil, nil
	}
	res, err := c.Read(ctx, ActionDump, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dump: %w", err)
	}
	data, dataType := res.Payload()
	if dataType != jsonparser.Object {
		return nil, nil, &Error{Status: res.Status, Code: CodeBadResponse, Message: "dump data is not an object", Err: constants.ErrInvalidResponse}
	}
	dump, skipped, err = decodeDump(data)
	if err != nil {
		return nil, nil, &Error{Status: res.Status, Code: CodeBadResponse, Message: err.Error(), Err: err}
	}
	for _, s := range skipped {
		c.log.Debug("dump entry skipped", "entry", s)
	}
	return dump, skipped, nil
}

// Get fetches one record. A missing record is (nil, nil).
func (c *Client) Get(ctx context.Context, table, id string) (Row, error) {
	if !c.Configured() {
		return nil, nil
	}
	res, err := c.Read(ctx, ActionGet, url.Values{"table": {table}, "id": {id}})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	var row Row
	if _, err := res.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

// Nonce fetches a one-time anti-replay token.
func (c *Client) Nonce(ctx context.Context) (string, error) {
	if !c.Configured() {
		return "", nil
	}
	res, err := c.Read(ctx, ActionNonce, nil)
	if err != nil {
		return "", err
	}
	nonce := res.Nonce()
	if nonce == "" {
		return "", &Error{Status: res.Status, Code: CodeBadResponse, Message: "missing nonce", Err: constants.ErrNoNonce}
	}
	return nonce, nil
}

// BatchUpsert writes every record of one table in a single call.
func (c *Client) BatchUpsert(ctx context.Context, table string, records any) error {
	if !c.Configured() {
		return nil
	}
	_, err := c.Write(ctx, ActionBatchUpsert, map[string]any{"table": table, "records": records}, false)
	if err != nil {
		return fmt.Errorf("batch_upsert %s: %w", table, err)
	}
	return nil
}

// Create inserts record and returns the stored version when the gateway
// echoes it.
func (c *Client) Create(ctx context.Context, table string, record any) (Row, error) {
	if !c.Configured() {
		return nil, nil
	}
	res, err := c.Write(ctx, ActionCreate, map[string]any{"table": table, "record": record}, false)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", table, err)
	}
	var row Row
	if _, err := res.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

func (c *Client) Update(ctx context.Context, table, id string, patch any) error {
	if !c.Configured() {
		return nil
	}
	_, err := c.Write(ctx, ActionUpdate, map[string]any{"table": table, "id": id, "patch": patch}, false)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, table, id string) error {
	if !c.Configured() {
		return nil
	}
	_, err := c.Write(ctx, ActionDelete, map[string]any{"table": table, "id": id}, false)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

// Login is the public first step of operator authentication. A returned
// session token is kept in memory.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	return c.authenticate(ctx, ActionLogin, map[string]any{"email": email, "password": password})
}

// VerifyOTP completes a login that asked for a second factor.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (LoginResult, error) {
	return c.authenticate(ctx, ActionVerifyOTP, map[string]any{"email": email, "otp": code})
}

func (c *Client) authenticate(ctx context.Context, action string, payload map[string]any) (LoginResult, error) {
	if !c.Configured() {
		return LoginResult{}, nil
	}
	res, err := c.Write(ctx, action, payload, true)
	if err != nil {
		return LoginResult{}, err
	}
	var out LoginResult
	if _, err := res.Decode(&out); err != nil {
		return LoginResult{}, err
	}
	if out.SessionToken != "" {
		c.SetSessionToken(out.SessionToken)
	}
	return out, nil
}

// ParticipantLogin opens a participant session from an access code.
func (c *Client) ParticipantLogin(ctx context.Context, code string) (ParticipantSession, error) {
	if !c.Configured() {
		return ParticipantSession{}, nil
	}
	res, err := c.Write(ctx, ActionParticipantLogin, map[string]any{"code": code}, true)
	if err != nil {
		return ParticipantSession{}, err
	}
	var out ParticipantSession
	if _, err := res.Decode(&out); err != nil {
		return ParticipantSession{}, err
	}
	if out.SessionToken != "" {
		c.SetSessionToken(out.SessionToken)
	}
	return out, nil
}

// Logout tells the gateway to drop the session and forgets the token. The
// local token is cleared even when the remote call fails.
func (c *Client) Logout(ctx context.Context) error {
	if c.SessionToken() == "" {
		return nil
	}
	defer c.SetSessionToken("")
	if !c.Configured() {
		return nil
	}
	if _, err := c.Write(ctx, ActionLogout, nil, false); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
