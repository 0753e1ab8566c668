package flowengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-autoflow/internal/conversations"
	"wuzapi-autoflow/internal/db"
	"wuzapi-autoflow/internal/db/dbtest"
	"wuzapi-autoflow/internal/flowgraph"
	"wuzapi-autoflow/internal/jobqueue"
	"wuzapi-autoflow/internal/models"
)

var scope = flowgraph.Scope{CompanyID: 1, CompanyPhoneID: 10}

type fixture struct {
	db     *db.Database
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := dbtest.Open(t)
	now := time.Date(2024, 3, 15, 14, 0, 0, 0, time.Local)

	graph := flowgraph.New(database.SQL)
	require.NoError(t, graph.ReplaceGraph(context.Background(), scope, []flowgraph.EdgeInput{
		{Source: models.TriggerClientMessage, Target: "welcome", TemplateData: `{"name":"welcome"}`},
		{Source: "welcome", SourceHandle: "yesplease", Target: "catalog", TemplateData: `{"name":"catalog"}`},
		{Source: "welcome", SourceHandle: models.HandleManually, Target: "agent", TemplateData: `{"name":"agent"}`},
		{Source: "3-vip", Target: "vip_offer", TemplateData: `{"name":"vip_offer"}`},
	}))

	engine, err := New(graph, jobqueue.New(database.SQL, time.Hour), conversations.NewStore(database.SQL), Options{
		Workers: 2,
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return &fixture{db: database, engine: engine, now: now}
}

func (f *fixture) conversation(t *testing.T, lastMessage time.Time, msgs ...models.Message) *models.Conversation {
	t.Helper()
	c := &models.Conversation{CompanyID: scope.CompanyID, CompanyPhoneID: scope.CompanyPhoneID, Phone: "5511988887777"}
	if !lastMessage.IsZero() {
		c.LastMessageTime = lastMessage.Unix()
	}
	require.NoError(t, f.db.Gorm.Create(c).Error)
	for _, m := range msgs {
		m.ConversationID = c.ID
		if m.CreatedAt == 0 {
			m.CreatedAt = lastMessage.Unix()
		}
		require.NoError(t, f.db.Gorm.Create(&m).Error)
	}
	return c
}

func (f *fixture) jobs(t *testing.T) []models.FlowJob {
	t.Helper()
	var jobs []models.FlowJob
	require.NoError(t, f.db.SQL.Select(&jobs, "SELECT * FROM flow_queue ORDER BY id"))
	return jobs
}

var welcomeSent = models.Message{
	ExternalID: "wamid.welcome", Status: models.StatusRead, MessageType: models.TypeTemplate,
	TemplateName: "welcome", IsBot: true,
}

func TestFirstMessageEnqueuesClientMessageEdge(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Time{})

	f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: conv.ID, MessageType: models.TypeText})

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, `{"name":"welcome"}`, jobs[0].Message)
	assert.Equal(t, conv.ID, jobs[0].ConversationID)
	assert.Equal(t, scope.CompanyPhoneID, jobs[0].CompanyPhoneID)
	want := jobqueue.ContentHash(`{"name":"welcome"}`, "1", itoa(conv.ID), "2024-03-15", "10")
	assert.Equal(t, want, jobs[0].ContentHash)
}

func TestSameDayRepeatIsSuppressed(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, time.Time{})

	f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: conv.ID, MessageType: models.TypeText})
	f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: conv.ID, MessageType: models.TypeText})

	assert.Len(t, f.jobs(t), 1)
}

func TestIdleConversationRestartsFlow(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, f.now.Add(-25*time.Hour), welcomeSent,
		models.Message{Status: models.StatusClient, MessageType: models.TypeText})

	f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: conv.ID, MessageType: models.TypeText})

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, `{"name":"welcome"}`, jobs[0].Message, "an idle conversation is treated as new, not as a reply")
}

func TestButtonReplyRoutesByStrippedPayload(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, f.now.Add(-time.Hour), welcomeSent)

	f.engine.HandleInbound(context.Background(), InboundEvent{
		ConversationID: conv.ID,
		MessageType:    models.TypeButton,
		ButtonPayload:  "yes  please",
	})

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, `{"name":"catalog"}`, jobs[0].Message)
	want := jobqueue.ContentHash("0", "welcome", "1", "yesplease", itoa(conv.ID), "2024-03-15", "10")
	assert.Equal(t, want, jobs[0].ContentHash)
}

func TestButtonReplyUsesContextMessage(t *testing.T) {
	f := newFixture(t)
	later := models.Message{
		ExternalID: "wamid.other", Status: models.StatusRead, MessageType: models.TypeTemplate,
		TemplateName: "other", IsBot: true, CreatedAt: f.now.Add(-time.Minute).Unix(),
	}
	conv := f.conversation(t, f.now.Add(-time.Hour), welcomeSent, later)

	f.engine.HandleInbound(context.Background(), InboundEvent{
		ConversationID:   conv.ID,
		MessageType:      models.TypeButton,
		ButtonPayload:    "yes please",
		ContextMessageID: "wamid.welcome",
	})

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, `{"name":"catalog"}`, jobs[0].Message)
}

func TestFreeTextReplyUsesManualHandle(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, f.now.Add(-time.Hour), welcomeSent)

	f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: conv.ID, MessageType: models.TypeImage})

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, `{"name":"agent"}`, jobs[0].Message)
}

func TestReplyWithoutMatchIsIgnored(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, f.now.Add(-time.Hour), welcomeSent)

	f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: conv.ID, MessageType: models.TypeButton, ButtonPayload: "no"})
	f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: conv.ID, MessageType: "sticker"})

	assert.Empty(t, f.jobs(t))
}

func TestReplyWithoutAnchorIsIgnored(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, f.now.Add(-time.Hour), models.Message{Status: models.StatusDelivered, MessageType: models.TypeText, IsBot: true})

	f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: conv.ID, MessageType: models.TypeText})

	assert.Empty(t, f.jobs(t))
}

func TestUnknownConversationIsLoggedNotPanicked(t *testing.T) {
	f := newFixture(t)
	assert.NotPanics(t, func() {
		f.engine.HandleInbound(context.Background(), InboundEvent{ConversationID: 999, MessageType: models.TypeText})
	})
	assert.Empty(t, f.jobs(t))
}

func TestTagAssignmentEnqueuesDetached(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, f.now.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	f.engine.OnTagAssigned(ctx, TagEvent{ConversationID: conv.ID, TagID: 3, TagName: "vip"})
	cancel()
	f.engine.inflight.Wait()

	jobs := f.jobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, `{"name":"vip_offer"}`, jobs[0].Message)

	f.engine.OnTagAssigned(context.Background(), TagEvent{ConversationID: conv.ID, TagID: 4, TagName: "other"})
	f.engine.inflight.Wait()
	assert.Len(t, f.jobs(t), 1)
}

func TestTagTriggerAfterCloseIsDropped(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, f.now.Add(-time.Hour))

	f.engine.Close()
	assert.NotPanics(t, func() {
		f.engine.OnTagAssigned(context.Background(), TagEvent{ConversationID: conv.ID, TagID: 3, TagName: "vip"})
	})
	f.engine.Close()
	assert.Empty(t, f.jobs(t))
}

func TestTagSource(t *testing.T) {
	assert.Equal(t, "3-vip", TagSource(3, "vip"))
}
