package learnsync

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/learnsync/learnsync/internal/fakeclock"
	"github.com/learnsync/learnsync/internal/fakegateway"
	"github.com/learnsync/learnsync/internal/testlog"
	"github.com/learnsync/learnsync/pkg/cache"
	"github.com/learnsync/learnsync/pkg/config"
	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/gateway"
	"github.com/learnsync/learnsync/pkg/models"
)

const testSecret = "s3cret"

type ClientTestSuite struct {
	suite.Suite
	ctx    context.Context
	fake   *fakegateway.Server
	clock  *fakeclock.Clock
	mem    *cache.MemoryStorage
	client *Client
	logs   *testlog.Handler
	extra  []*Client
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.fake = fakegateway.New(testSecret)
	s.fake.Start()
	s.clock = fakeclock.New(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	s.mem = cache.NewMemoryStorage()
	s.client, s.logs = s.newClient(true, s.mem)
}

func (s *ClientTestSuite) TearDownTest() {
	for _, c := range append(s.extra, s.client) {
		s.NoError(c.Close(s.ctx))
	}
	s.extra = nil
	s.fake.Close()
}

func (s *ClientTestSuite) newClient(online bool, storage cache.Storage) (*Client, *testlog.Handler) {
	cfg := config.Default()
	if online {
		cfg.Gateway.URL = s.fake.URL()
		cfg.Gateway.Secret = testSecret
	}
	log, logs := testlog.New(s.T())
	c, err := New(cfg, WithClock(s.clock), WithLogger(log), WithStorage(storage))
	s.Require().NoError(err)
	return c, logs
}

// offlineClient returns a client without a gateway on its own storage.
func (s *ClientTestSuite) offlineClient(storage cache.Storage) *Client {
	c, _ := s.newClient(false, storage)
	s.extra = append(s.extra, c)
	return c
}

func (s *ClientTestSuite) topicTitles(c *Client) []string {
	var out []string
	for _, t := range c.Store().Topics.List() {
		out = append(out, t.Title)
	}
	return out
}

func (s *ClientTestSuite) TestCreateParticipant_flushesOnceAfterDebounce() {
	p, err := s.client.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Ana", LastName: "Souza"})
	s.Require().NoError(err)

	s.Len(p.Code, constants.AccessCodeLength)
	for _, r := range p.Code {
		s.True(strings.ContainsRune(constants.AccessCodeAlphabet, r), "unexpected %q in %s", r, p.Code)
	}
	s.Equal("Ana Souza", p.DisplayName)
	s.Equal([]string{p.Code}, s.client.Dirty())
	s.Empty(s.fake.RequestsFor(gateway.ActionBatchUpsert))

	s.clock.Advance(constants.DefaultDebounce)

	s.Len(s.fake.RequestsFor(gateway.ActionBatchUpsert), 1)
	s.Empty(s.client.Dirty())
	row, ok := s.fake.Row(constants.TableParticipants, p.Code)
	s.Require().True(ok)
	s.Equal("Ana", row["firstName"])
}

func (s *ClientTestSuite) TestUpdateParticipant_burstIsCoalesced() {
	p, err := s.client.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Ana"})
	s.Require().NoError(err)

	name := "Aninha"
	_, err = s.client.UpdateParticipant(s.ctx, strings.ToLower(p.Code), ParticipantPatch{PreferredName: &name})
	s.Require().NoError(err)
	s.clock.Advance(time.Second)
	_, err = s.client.UpdateParticipant(s.ctx, p.Code, ParticipantPatch{Notes: &name})
	s.Require().NoError(err)

	s.Empty(s.fake.RequestsFor(gateway.ActionBatchUpsert))

	s.clock.Advance(time.Second)
	s.Len(s.fake.RequestsFor(gateway.ActionBatchUpsert), 1, "three writes, one flush")
	row, _ := s.fake.Row(constants.TableParticipants, p.Code)
	s.Equal("Aninha", row["displayName"])
	s.Equal("Aninha", row["notes"])

	s.clock.Advance(constants.DefaultDebounce)
	s.Len(s.fake.RequestsFor(gateway.ActionBatchUpsert), 1)
}

func (s *ClientTestSuite) TestRecordProgress_completionFlushesImmediately() {
	p, err := s.client.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Ana"})
	s.Require().NoError(err)

	rec, err := s.client.RecordProgress(s.ctx, p.Code, ProgressUpdate{LessonID: "l1", Position: 40, Duration: 100})
	s.Require().NoError(err)
	s.False(rec.Completed)
	s.Empty(s.fake.RequestsFor(gateway.ActionBatchUpsert))

	rec, err = s.client.RecordProgress(s.ctx, p.Code, ProgressUpdate{LessonID: "l1", Position: 97, Duration: 100})
	s.Require().NoError(err)
	s.True(rec.Completed)
	s.NotNil(rec.CompletedAt)
	s.Len(s.fake.RequestsFor(gateway.ActionBatchUpsert), 1)
	s.Empty(s.client.Dirty())

	entry, ok, err := cache.New(s.mem).LoadProgress(s.ctx, p.Code)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.False(entry.Dirty, "the flush marks the cached progress clean")
}

func (s *ClientTestSuite) TestRecordProgress_unknownParticipant() {
	_, err := s.client.RecordProgress(s.ctx, "ZZZZZZ", ProgressUpdate{LessonID: "l1", Position: 1})
	s.True(IsCode(err, CodeParticipantNotFound), "got %v", err)

	_, err = s.client.RecordProgress(s.ctx, "ZZZZZZ", ProgressUpdate{})
	s.True(IsCode(err, CodeValidation), "got %v", err)
}

func (s *ClientTestSuite) TestOfflineMode_noRequests() {
	c := s.offlineClient(cache.NewMemoryStorage())
	s.False(c.Configured())

	_, err := c.Boot(s.ctx)
	s.Require().NoError(err)
	p, err := c.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Bia"})
	s.Require().NoError(err)
	_, err = c.CreateTopic(s.ctx, TopicInput{Title: "Offline"})
	s.Require().NoError(err)
	_, err = c.RecordProgress(s.ctx, p.Code, ProgressUpdate{LessonID: "l1", Position: 99, Duration: 100})
	s.Require().NoError(err)
	s.clock.Advance(time.Minute)

	s.Empty(s.fake.Requests())
	s.Equal([]string{"Offline"}, s.topicTitles(c))

	got, err := c.ParticipantLogin(s.ctx, strings.ToLower(p.Code))
	s.Require().NoError(err)
	s.Equal(p.Code, got.Code)
}

func (s *ClientTestSuite) TestCrossTab_foreignProgressIsMerged() {
	a := s.offlineClient(s.mem.Tab())
	b := s.offlineClient(s.mem.Tab())

	p, err := a.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Ana"})
	s.Require().NoError(err)
	s.Require().NoError(b.Store().Participants.Upsert(p))

	_, err = b.RecordProgress(s.ctx, p.Code, ProgressUpdate{LessonID: "l1", Position: 30, Duration: 100})
	s.Require().NoError(err)

	merged, ok := a.Store().Participants.Get(p.Code)
	s.Require().True(ok)
	s.Require().Contains(merged.LessonProgress, "l1")
	s.InDelta(30, merged.LessonProgress["l1"].LastPosition, 0.001)
}

func (s *ClientTestSuite) TestCrossTab_newerLocalProgressWins() {
	a := s.offlineClient(s.mem.Tab())
	b := s.offlineClient(s.mem.Tab())

	p, err := a.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Ana"})
	s.Require().NoError(err)
	s.Require().NoError(b.Store().Participants.Upsert(p))

	_, err = b.RecordProgress(s.ctx, p.Code, ProgressUpdate{LessonID: "l1", Position: 10, Duration: 100})
	s.Require().NoError(err)
	s.clock.Advance(time.Second)
	_, err = a.RecordProgress(s.ctx, p.Code, ProgressUpdate{LessonID: "l1", Position: 50, Duration: 100})
	s.Require().NoError(err)

	for _, c := range []*Client{a, b} {
		got, _ := c.Store().Participants.Get(p.Code)
		s.InDelta(50, got.LessonProgress["l1"].LastPosition, 0.001)
	}
}

func (s *ClientTestSuite) TestRejectedWrite_triggersCorrectiveSync() {
	s.fake.SetTable(constants.TableTopics, []map[string]any{{"id": "t-remote", "title": "Remote", "order": 0}})
	s.fake.AddStub(fakegateway.StubResponse{
		Action:   gateway.ActionCreate,
		Failures: []fakegateway.FailureConfig{{Type: fakegateway.FailureStatus, Probability: 1, Status: http.StatusInternalServerError, Message: "boom"}},
		Times:    1,
	})

	_, err := s.client.CreateTopic(s.ctx, TopicInput{Title: "Local"})
	s.True(IsCode(err, CodeRemoteFailed), "got %v", err)
	s.ElementsMatch([]string{"Local"}, s.topicTitles(s.client), "the write is applied locally first")
	s.Empty(s.fake.RequestsFor(gateway.ActionDump))
	rejected := s.logs.Find("gateway rejected a local change")
	s.Require().Len(rejected, 1)
	s.Equal("create topic", rejected[0].Attrs["op"])

	s.clock.Advance(constants.DefaultBackgroundDelay)

	s.Len(s.fake.RequestsFor(gateway.ActionDump), 1)
	s.Equal([]string{"Remote"}, s.topicTitles(s.client))
	s.False(s.client.Status().LastSuccess.IsZero())
}

func (s *ClientTestSuite) TestCatalog_deleteTopicCascades() {
	t, err := s.client.CreateTopic(s.ctx, TopicInput{Title: "Math"})
	s.Require().NoError(err)
	ct, err := s.client.CreateContent(s.ctx, ContentInput{TopicID: t.ID, Title: "Algebra"})
	s.Require().NoError(err)
	l, err := s.client.CreateLesson(s.ctx, LessonInput{ContentID: ct.ID, Title: "Intro", Duration: 120})
	s.Require().NoError(err)
	s.Equal(t.ID, l.TopicID)

	_, ok := s.fake.Row(constants.TableLessons, l.ID)
	s.True(ok)

	s.Require().NoError(s.client.DeleteTopic(s.ctx, t.ID))
	s.Zero(s.client.Store().Contents.Len())
	s.Zero(s.client.Store().Lessons.Len())
	_, ok = s.fake.Row(constants.TableTopics, t.ID)
	s.False(ok)

	_, err = s.client.CreateContent(s.ctx, ContentInput{TopicID: t.ID, Title: "Orphan"})
	s.True(IsCode(err, CodeNotFound), "got %v", err)
}

func (s *ClientTestSuite) TestCatalog_reorderTopics() {
	var ids []string
	for _, title := range []string{"A", "B", "C"} {
		t, err := s.client.CreateTopic(s.ctx, TopicInput{Title: title})
		s.Require().NoError(err)
		ids = append(ids, t.ID)
	}
	s.Equal([]string{"A", "B", "C"}, s.topicTitles(s.client))

	s.Require().NoError(s.client.ReorderTopics(s.ctx, []string{ids[2], ids[0]}))
	s.Equal([]string{"C", "A", "B"}, s.topicTitles(s.client))
	s.Len(s.fake.RequestsFor(gateway.ActionBatchUpsert), 1)

	err := s.client.ReorderTopics(s.ctx, []string{"missing"})
	s.True(IsCode(err, CodeNotFound), "got %v", err)
}

func (s *ClientTestSuite) TestCatalog_validation() {
	_, err := s.client.CreateTopic(s.ctx, TopicInput{Title: "  "})
	s.True(IsCode(err, CodeValidation), "got %v", err)

	blank := ""
	_, err = s.client.UpdateTopic(s.ctx, "whatever", CatalogPatch{Title: &blank})
	s.True(IsCode(err, CodeValidation), "got %v", err)

	title := "x"
	_, err = s.client.UpdateTopic(s.ctx, "missing", CatalogPatch{Title: &title})
	s.True(IsCode(err, CodeNotFound), "got %v", err)
}

func (s *ClientTestSuite) TestUsers_passwordIsNeverStored() {
	u, err := s.client.CreateUser(s.ctx, UserInput{Email: " Admin@Example.com ", FullName: "Admin", Role: models.RoleAdmin, Password: "hunter2"})
	s.Require().NoError(err)
	s.Equal("admin@example.com", u.Email)
	s.True(u.IsAdmin())

	reqs := s.fake.RequestsFor(gateway.ActionCreate)
	s.Require().Len(reqs, 1)
	record, _ := reqs[0].Body["record"].(map[string]any)
	s.Equal("hunter2", record["password"])

	_, err = s.client.CreateUser(s.ctx, UserInput{Email: "admin@example.com"})
	s.True(IsCode(err, CodeConflict), "got %v", err)
	_, err = s.client.CreateUser(s.ctx, UserInput{Email: "not-an-email"})
	s.True(IsCode(err, CodeValidation), "got %v", err)

	active := false
	u, err = s.client.UpdateUser(s.ctx, u.UID, UserPatch{IsActive: &active})
	s.Require().NoError(err)
	s.False(u.IsActive)
	s.Require().NoError(s.client.DeleteUser(s.ctx, u.UID))
	s.Zero(s.client.Store().Users.Len())
}

func (s *ClientTestSuite) TestNotebook() {
	page, err := s.client.CreatePage(s.ctx, "Contato")
	s.Require().NoError(err)
	field, err := s.client.CreateField(s.ctx, FieldInput{PageID: &page.ID, Label: "E-mail", Type: models.FieldEmail})
	s.Require().NoError(err)
	loose, err := s.client.CreateField(s.ctx, FieldInput{Label: "Notas"})
	s.Require().NoError(err)
	s.Equal(models.FieldText, loose.Type)
	p, err := s.client.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Ana"})
	s.Require().NoError(err)

	_, err = s.client.SetValue(s.ctx, p.Code, field.ID, "nope")
	s.True(IsCode(err, CodeValidation), "got %v", err)
	_, err = s.client.SetValue(s.ctx, p.Code, field.ID, "ana@example.com")
	s.Require().NoError(err)
	s.Equal(map[string]string{field.ID: "ana@example.com"}, s.client.Notebook(p.Code))

	_, err = s.client.SetValue(s.ctx, "ZZZZZZ", field.ID, "x@y.z")
	s.True(IsCode(err, CodeParticipantNotFound), "got %v", err)

	s.Require().NoError(s.client.DeletePage(s.ctx, page.ID))
	moved, ok := s.client.Store().Fields.Get(field.ID)
	s.Require().True(ok)
	s.Nil(moved.PageID)
	s.Greater(moved.Order, loose.Order, "moved fields follow the unpaged ones")

	s.Require().NoError(s.client.DeleteField(s.ctx, field.ID))
	s.Empty(s.client.Notebook(p.Code))

	_, err = s.client.CreateField(s.ctx, FieldInput{PageID: &page.ID, Label: "Gone"})
	s.True(IsCode(err, CodeNotFound), "got %v", err)
}

func (s *ClientTestSuite) TestBoot_hydratesFromGateway() {
	s.fake.SetTable(constants.TableTopics, []map[string]any{{"id": "t1", "title": "Math", "order": "0"}})
	s.fake.SetTable(constants.TableParticipants, []map[string]any{{"code": "abc234", "firstName": "Ana", "active": "sim"}})

	_, err := s.client.Boot(s.ctx)
	s.Require().NoError(err)

	s.Equal([]string{"Math"}, s.topicTitles(s.client))
	p, ok := s.client.Store().Participants.Get("ABC234")
	s.Require().True(ok)
	s.True(p.Active)
	s.False(s.client.Status().Loading)

	snap, ok, err := cache.New(s.mem, cache.WithClock(s.clock)).LoadSnapshot(s.ctx)
	s.Require().NoError(err)
	s.True(ok)
	s.Len(snap.Topics, 1)
}

func (s *ClientTestSuite) TestGetParticipant_fallsBackToGateway() {
	s.fake.SetTable(constants.TableParticipants, []map[string]any{{"code": "ABC234", "firstName": "Ana"}})

	p, err := s.client.GetParticipant(s.ctx, "abc234")
	s.Require().NoError(err)
	s.Equal("Ana", p.DisplayName)
	s.True(s.client.Store().Participants.Has("ABC234"))

	_, err = s.client.GetParticipant(s.ctx, "QQQQQQ")
	s.True(IsCode(err, CodeParticipantNotFound), "got %v", err)
}

func (s *ClientTestSuite) TestDeleteParticipant() {
	p, err := s.client.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Ana"})
	s.Require().NoError(err)

	s.Require().NoError(s.client.DeleteParticipant(s.ctx, p.Code), "a participant the gateway never saw")
	s.Empty(s.client.Dirty())
	s.False(s.client.Store().Participants.Has(p.Code))

	s.clock.Advance(constants.DefaultDebounce)
	s.Empty(s.fake.RequestsFor(gateway.ActionBatchUpsert), "nothing left to flush")

	err = s.client.DeleteParticipant(s.ctx, p.Code)
	s.True(IsCode(err, CodeParticipantNotFound), "got %v", err)
}

func (s *ClientTestSuite) TestAuth() {
	s.fake.AddAccount(fakegateway.Account{
		Email:    "admin@example.com",
		Password: "pw",
		OTP:      "123456",
		User:     map[string]any{"uid": "u1", "email": "admin@example.com", "fullName": "Admin", "role": "admin"},
	})

	_, err := s.client.Login(s.ctx, "admin@example.com", "wrong")
	s.True(IsCode(err, CodeInvalidCredentials), "got %v", err)

	res, err := s.client.Login(s.ctx, "Admin@Example.com", "pw")
	s.Require().NoError(err)
	s.True(res.OTPRequired)
	s.Nil(res.User)
	_, signedIn := s.client.CurrentUser()
	s.False(signedIn)

	_, err = s.client.VerifyOTP(s.ctx, "admin@example.com", "000000")
	s.True(IsCode(err, CodeInvalidOTP), "got %v", err)

	res, err = s.client.VerifyOTP(s.ctx, "admin@example.com", "123456")
	s.Require().NoError(err)
	s.Require().NotNil(res.User)
	u, signedIn := s.client.CurrentUser()
	s.True(signedIn)
	s.True(u.IsAdmin())

	s.Require().NoError(s.client.Logout(s.ctx))
	_, signedIn = s.client.CurrentUser()
	s.False(signedIn)
	s.Len(s.fake.RequestsFor(gateway.ActionLogout), 1)
}

func (s *ClientTestSuite) TestParticipantLogin() {
	s.fake.SetTable(constants.TableParticipants, []map[string]any{{"code": "ABC234", "firstName": "Ana"}})

	p, err := s.client.ParticipantLogin(s.ctx, " abc234 ")
	s.Require().NoError(err)
	s.Equal("ABC234", p.Code)
	s.True(s.client.Store().Participants.Has("ABC234"))

	_, err = s.client.ParticipantLogin(s.ctx, "QQQQQQ")
	s.True(IsCode(err, CodeParticipantNotFound), "got %v", err)
}

func (s *ClientTestSuite) TestParticipantLogin_dirtyLocalProfileWins() {
	p, err := s.client.CreateParticipant(s.ctx, ParticipantInput{FirstName: "Local"})
	s.Require().NoError(err)
	s.fake.SetTable(constants.TableParticipants, []map[string]any{{
		"code":           p.Code,
		"firstName":      "Remote",
		"lessonProgress": map[string]any{"l1": map[string]any{"lastPosition": 42, "updatedAt": s.clock.Now().Format(time.RFC3339)}},
	}})

	got, err := s.client.ParticipantLogin(s.ctx, p.Code)
	s.Require().NoError(err)
	s.Equal("Local", got.FirstName)
	s.Equal(42.0, got.LessonProgress["l1"].LastPosition)
	stored, _ := s.client.Store().Participants.Get(p.Code)
	s.Equal(got.FirstName, stored.FirstName)
	s.Contains(stored.LessonProgress, "l1")
}

func (s *ClientTestSuite) TestClosedClient() {
	c, _ := s.newClient(true, cache.NewMemoryStorage())
	s.Require().NoError(c.Close(s.ctx))
	s.Require().NoError(c.Close(s.ctx), "close is idempotent")

	_, err := c.CreateTopic(s.ctx, TopicInput{Title: "late"})
	s.True(IsCode(err, CodeClosed), "got %v", err)

	s.fake.SetTable(constants.TableParticipants, []map[string]any{{"code": "ABC234", "firstName": "Ana"}})
	_, err = c.GetParticipant(s.ctx, "ABC234")
	s.True(IsCode(err, CodeClosed), "got %v", err)
	s.False(c.Store().Participants.Has("ABC234"))
}
