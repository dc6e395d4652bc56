// Package fakegateway provides an in-process fake of the remote HTTP gateway
// for tests.
//
// It serves the dump/get/nonce reads and the write actions against in-memory
// tables, issues and verifies one-time nonces, records every request, and
// can inject failures through stub responses matched by action.
package fakegateway

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// cryptoRandFloat64 generates a cryptographically secure random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64()) / float64(1<<53)
}

func randomToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// FailureType represents the type of failure to inject during request processing
type FailureType string

const (
	// FailureNone indicates no failure injection
	FailureNone FailureType = "none"
	// FailureStatus answers with FailureConfig.Status and an ok:false envelope
	FailureStatus FailureType = "status"
	// FailureNotOK answers 200 with ok:false
	FailureNotOK FailureType = "not_ok"
	// FailureInvalidResponse answers 200 with a body that is not JSON
	FailureInvalidResponse FailureType = "invalid_response"
	// FailureDelay sleeps for FailureConfig.Delay before answering normally
	FailureDelay FailureType = "delay"
)

// FailureConfig defines how and when to inject a specific failure type
type FailureConfig struct {
	Type FailureType
	// Probability of triggering this failure (0.0 to 1.0)
	Probability float64
	Status      int
	Message     string
	Delay       time.Duration
}

// StubResponse overrides the built-in handling of matching requests.
type StubResponse struct {
	// Action is the gateway action to match.
	Action string
	// Matcher optionally narrows the match further.
	Matcher func(Request) bool
	// Data is returned as the envelope data when no failure triggers.
	Data any
	// Failures are tried in order; the first that triggers answers the request.
	Failures []FailureConfig
	// Times limits how many requests the stub answers; 0 means unlimited.
	Times int

	used int
}

// Request is what the fake recorded about one incoming call.
type Request struct {
	Method       string
	Action       string
	Table        string
	ID           string
	Nonce        string
	SessionToken string
	Body         map[string]any
	At           time.Time
}

// Account is an operator the fake accepts in auth_login.
type Account struct {
	Email    string
	Password string
	// OTP, when set, makes auth_login answer otpRequired and auth_verify_otp
	// expect this code.
	OTP  string
	User map[string]any
}

type Server struct {
	Secret string

	mu       sync.Mutex
	tables   map[string][]map[string]any
	nonces   map[string]struct{}
	sessions map[string]struct{}
	accounts map[string]Account
	stubs    []*StubResponse
	requests []Request

	httpServer *httptest.Server
}

func New(secret string) *Server {
	return &Server{
		Secret:   secret,
		tables:   make(map[string][]map[string]any),
		nonces:   make(map[string]struct{}),
		sessions: make(map[string]struct{}),
		accounts: make(map[string]Account),
	}
}

// Start serves on a local listener and returns the base URL.
func (s *Server) Start() string {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRead).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleWrite).Methods(http.MethodPost)
	s.httpServer = httptest.NewServer(r)
	return s.httpServer.URL
}

func (s *Server) URL() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.URL
}

func (s *Server) Close() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// PrimaryKey names the key column of a table.
func PrimaryKey(table string) string {
	switch table {
	case "participants":
		return "code"
	case "users":
		return "uid"
	default:
		return "id"
	}
}

// SetTable replaces the rows of a table. Rows are stored as given, so tests
// can seed malformed data.
func (s *Server) SetTable(table string, rows []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = slices.Clone(rows)
}

// Rows returns the current rows of a table.
func (s *Server) Rows(table string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tables[table])
}

// Row returns the row of table whose primary key equals id.
func (s *Server) Row(table, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(table, id)
	if i < 0 {
		return nil, false
	}
	return s.tables[table][i], true
}

func (s *Server) AddAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Email] = a
}

func (s *Server) AddStub(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = append(s.stubs, &stub)
}

func (s *Server) ClearStubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = nil
}

// Requests returns every recorded request in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// RequestsFor returns the recorded requests of one action.
func (s *Server) RequestsFor(action string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) indexLocked(table, id string) int {
	key := PrimaryKey(table)
	for i, row := range s.tables[table] {
		if v, ok := row[key].(string); ok && v == id {
			return i
		}
	}
	return -1
}

func (s *Server) upsertLocked(table string, row map[string]any) bool {
	id, ok := row[PrimaryKey(table)].(string)
	if !ok || id == "" {
		return false
	}
	if i := s.indexLocked(table, id); i >= 0 {
		s.tables[table][i] = row
		return true
	}
	s.tables[table] = append(s.tables[table], row)
	return true
}

func (s *Server) record(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.At = time.Now()
	s.requests = append(s.requests, req)
}

// stubFor returns the first live stub matching req and consumes one use.
func (s *Server) stubFor(req Request) *StubResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stub := range s.stubs {
		if stub.Action != req.Action {
			continue
		}
		if stub.Matcher != nil && !stub.Matcher(req) {
			continue
		}
		if stub.Times > 0 && stub.used >= stub.Times {
			continue
		}
		stub.used++
		return stub
	}
	return nil
}

// answerStub writes the stub response. It reports false when only a delay
// was injected and normal handling should continue.
func answerStub(w http.ResponseWriter, stub *StubResponse) bool {
	for _, f := range stub.Failures {
		if f.Probability < 1 && cryptoRandFloat64() >= f.Probability {
			continue
		}
		switch f.Type {
		case FailureStatus:
			writeError(w, f.Status, "stub_failure", f.Message)
			return true
		case FailureNotOK:
			writeError(w, http.StatusOK, "stub_failure", f.Message)
			return true
		case FailureInvalidResponse:
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<html>upstream exploded</html>"))
			return true
		case FailureDelay:
			time.Sleep(f.Delay)
		}
	}
	if stub.Data == nil {
		return false
	}
	writeOK(w, stub.Data)
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": map[string]any{"code": code, "message": message},
	})
}
