package fakegateway

import (
	"net/http"
	"slices"

	"github.com/goccy/go-json"
)

var publicActions = map[string]struct{}{
	"auth_login":        {},
	"auth_verify_otp":   {},
	"participant_login": {},
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := Request{
		Method:       r.Method,
		Action:       q.Get("action"),
		Table:        q.Get("table"),
		ID:           q.Get("id"),
		SessionToken: q.Get("sessionToken"),
	}
	s.record(req)

	if q.Get("secret") != s.Secret {
		writeError(w, http.StatusUnauthorized, "invalid_secret", "secret mismatch")
		return
	}
	if stub := s.stubFor(req); stub != nil && answerStub(w, stub) {
		return
	}

	switch req.Action {
	case "dump":
		s.mu.Lock()
		data := make(map[string]any, len(s.tables))
		for table, rows := range s.tables {
			data[table] = slices.Clone(rows)
		}
		s.mu.Unlock()
		writeOK(w, data)
	case "get":
		row, ok := s.Row(req.Table, req.ID)
		if !ok {
			writeOK(w, nil)
			return
		}
		writeOK(w, row)
	case "nonce":
		nonce := randomToken()
		s.mu.Lock()
		s.nonces[nonce] = struct{}{}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "nonce": nonce})
	default:
		writeError(w, http.StatusBadRequest, "unknown_action", req.Action)
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	decodeErr := json.NewDecoder(r.Body).Decode(&body)

	req := Request{Method: r.Method, Body: body}
	if body != nil {
		req.Action, _ = body["action"].(string)
		req.Table, _ = body["table"].(string)
		req.ID, _ = body["id"].(string)
		req.Nonce, _ = body["nonce"].(string)
		req.SessionToken, _ = body["sessionToken"].(string)
	}
	s.record(req)

	if r.URL.Query().Get("secret") != s.Secret {
		writeError(w, http.StatusUnauthorized, "invalid_secret", "secret mismatch")
		return
	}
	if decodeErr != nil {
		writeError(w, http.StatusBadRequest, "bad_request", decodeErr.Error())
		return
	}
	if _, public := publicActions[req.Action]; !public && !s.consumeNonce(req.Nonce) {
		writeError(w, http.StatusForbidden, "invalid_nonce", "missing or reused nonce")
		return
	}
	if stub := s.stubFor(req); stub != nil && answerStub(w, stub) {
		return
	}

	switch req.Action {
	case "batch_upsert":
		records, _ := body["records"].([]any)
		s.mu.Lock()
		n := 0
		for _, rec := range records {
			if row, ok := rec.(map[string]any); ok && s.upsertLocked(req.Table, row) {
				n++
			}
		}
		s.mu.Unlock()
		writeOK(w, map[string]any{"upserted": n})
	case "create":
		row, _ := body["record"].(map[string]any)
		s.mu.Lock()
		ok := row != nil && s.upsertLocked(req.Table, row)
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusBadRequest, "validation_failed", "record has no primary key")
			return
		}
		writeOK(w, row)
	case "update":
		patch, _ := body["patch"].(map[string]any)
		s.mu.Lock()
		i := s.indexLocked(req.Table, req.ID)
		if i >= 0 {
			row := make(map[string]any, len(s.tables[req.Table][i])+len(patch))
			for k, v := range s.tables[req.Table][i] {
				row[k] = v
			}
			for k, v := range patch {
				if k != PrimaryKey(req.Table) {
					row[k] = v
				}
			}
			s.tables[req.Table][i] = row
		}
		s.mu.Unlock()
		if i < 0 {
			writeError(w, http.StatusNotFound, "not_found", req.Table+"/"+req.ID)
			return
		}
		writeOK(w, map[string]any{"updated": 1})
	case "delete":
		s.mu.Lock()
		i := s.indexLocked(req.Table, req.ID)
		if i >= 0 {
			rows := s.tables[req.Table]
			s.tables[req.Table] = append(rows[:i:i], rows[i+1:]...)
		}
		s.mu.Unlock()
		writeOK(w, map[string]any{"deleted": i >= 0})
	case "auth_login":
		s.handleLogin(w, body)
	case "auth_verify_otp":
		s.handleVerifyOTP(w, body)
	case "participant_login":
		code, _ := body["code"].(string)
		row, ok := s.Row("participants", code)
		if !ok {
			writeError(w, http.StatusNotFound, "participant_not_found", code)
			return
		}
		writeOK(w, map[string]any{"sessionToken": s.openSession(), "participant": row})
	case "auth_logout":
		s.mu.Lock()
		delete(s.sessions, req.SessionToken)
		s.mu.Unlock()
		writeOK(w, nil)
	default:
		writeError(w, http.StatusBadRequest, "unknown_action", req.Action)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, body map[string]any) {
	email, _ := body["email"].(string)
	password, _ := body["password"].(string)
	s.mu.Lock()
	account, ok := s.accounts[email]
	s.mu.Unlock()
	if !ok || account.Password != password {
		writeError(w, http.StatusUnauthorized, "auth/invalid-credentials", "invalid email or password")
		return
	}
	if account.OTP != "" {
		writeOK(w, map[string]any{"otpRequired": true})
		return
	}
	writeOK(w, map[string]any{"sessionToken": s.openSession(), "user": account.User})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, body map[string]any) {
	email, _ := body["email"].(string)
	otp, _ := body["otp"].(string)
	s.mu.Lock()
	account, ok := s.accounts[email]
	s.mu.Unlock()
	if !ok || account.OTP == "" || account.OTP != otp {
		writeError(w, http.StatusUnauthorized, "auth/invalid-otp", "invalid code")
		return
	}
	writeOK(w, map[string]any{"sessionToken": s.openSession(), "user": account.User})
}

func (s *Server) openSession() string {
	token := randomToken()
	s.mu.Lock()
	s.sessions[token] = struct{}{}
	s.mu.Unlock()
	return token
}

// HasSession reports whether token is a live session.
func (s *Server) HasSession(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[token]
	return ok
}

func (s *Server) consumeNonce(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nonces[nonce]; !ok {
		return false
	}
	delete(s.nonces, nonce)
	return true
}
