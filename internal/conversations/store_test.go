package conversations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-autoflow/internal/db"
	"wuzapi-autoflow/internal/db/dbtest"
	"wuzapi-autoflow/internal/models"
)

func seedConversation(t *testing.T, database *db.Database, lastMessage int64) *models.Conversation {
	t.Helper()
	c := &models.Conversation{CompanyID: 1, CompanyPhoneID: 10, Phone: "5511988887777", LastMessageTime: lastMessage}
	require.NoError(t, database.Gorm.Create(c).Error)
	return c
}

func seedMessage(t *testing.T, database *db.Database, m models.Message) {
	t.Helper()
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	require.NoError(t, database.Gorm.Create(&m).Error)
}

func TestGetConversationState(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	store := NewStore(database.SQL)
	conv := seedConversation(t, database, 1700000000)

	st, err := store.GetConversationState(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, State{LastMessageTime: 1700000000}, st)

	seedMessage(t, database, models.Message{ConversationID: conv.ID, Status: models.StatusClient, MessageType: models.TypeText})
	seedMessage(t, database, models.Message{ConversationID: conv.ID, Status: models.StatusRead, MessageType: models.TypeTemplate, IsBot: true})
	seedMessage(t, database, models.Message{ConversationID: conv.ID, Status: models.StatusClient, MessageType: models.TypeText})

	st, err = store.GetConversationState(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.MessageCount)
	assert.Equal(t, 1, st.ResponseCount)

	_, err = store.GetConversationState(ctx, conv.ID+100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAnchorTemplateMessage(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	store := NewStore(database.SQL)
	conv := seedConversation(t, database, 0)

	a, err := store.GetAnchorTemplateMessage(ctx, conv.ID, "")
	require.NoError(t, err)
	assert.Nil(t, a, "no template messages yet")

	seedMessage(t, database, models.Message{ConversationID: conv.ID, ExternalID: "wamid.1", Status: models.StatusRead,
		MessageType: models.TypeTemplate, TemplateName: "welcome", IsBot: true, CreatedAt: 100})
	seedMessage(t, database, models.Message{ConversationID: conv.ID, ExternalID: "wamid.2", Status: models.StatusDelivered,
		MessageType: models.TypeTemplate, TemplateName: "catalog", IsBot: true, CreatedAt: 200})
	seedMessage(t, database, models.Message{ConversationID: conv.ID, ExternalID: "wamid.3", Status: models.StatusTrying,
		MessageType: models.TypeTemplate, TemplateName: "pending", IsBot: true, CreatedAt: 300})

	a, err = store.GetAnchorTemplateMessage(ctx, conv.ID, "")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "catalog", a.Name, "latest read or delivered template wins")

	a, err = store.GetAnchorTemplateMessage(ctx, conv.ID, "wamid.1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "welcome", a.Name)
	assert.Equal(t, "wamid.1", a.ExternalID)

	a, err = store.GetAnchorTemplateMessage(ctx, conv.ID, "wamid.unknown")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestFindOrCreateByPhone(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.Open(t).SQL)

	first, err := store.FindOrCreateByPhone(ctx, 1, 10, "55999999999")
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	again, err := store.FindOrCreateByPhone(ctx, 1, 10, "55999999999")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := store.FindOrCreateByPhone(ctx, 1, 11, "55999999999")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "conversations are per channel")
}

func TestRecordInboundTouchesConversation(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	store := NewStore(database.SQL)
	conv := seedConversation(t, database, 0)
	at := time.Unix(1700000500, 0)

	id, err := store.RecordInbound(ctx, conv.ID, Inbound{ExternalID: "wamid.in", MessageType: models.TypeText, Body: "hi", ReceivedAt: at})
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, at.Unix(), got.LastMessageTime)

	st, err := store.GetConversationState(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.MessageCount)
	assert.Zero(t, st.ResponseCount)

	_, err = store.RecordInbound(ctx, conv.ID+100, Inbound{MessageType: models.TypeText})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordOutboundTemplateBecomesAnchor(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	store := NewStore(database.SQL)
	conv := seedConversation(t, database, 0)

	_, err := store.RecordOutboundTemplate(ctx, conv.ID, "welcome", "wamid.out")
	require.NoError(t, err)

	a, err := store.GetAnchorTemplateMessage(ctx, conv.ID, "wamid.out")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "welcome", a.Name)

	st, err := store.GetConversationState(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ResponseCount)
}

func TestRecordOutboundTemplateTouchesConversation(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	store := NewStore(database.SQL)
	sent := time.Unix(1700000900, 0)
	store.now = func() time.Time { return sent }
	conv := seedConversation(t, database, 0)

	_, err := store.RecordOutboundTemplate(ctx, conv.ID, "welcome", "wamid.out")
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, sent.Unix(), got.LastMessageTime)

	_, err = store.RecordOutboundTemplate(ctx, conv.ID+100, "welcome", "wamid.lost")
	assert.ErrorIs(t, err, ErrNotFound)
	var n int
	require.NoError(t, database.SQL.Get(&n, "SELECT COUNT(*) FROM messages WHERE external_id = 'wamid.lost'"))
	assert.Zero(t, n)
}

func TestAttachTagIsIdempotent(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	store := NewStore(database.SQL)
	conv := seedConversation(t, database, 0)
	tag := &models.Tag{CompanyID: 1, Name: "vip"}
	require.NoError(t, database.Gorm.Create(tag).Error)

	got, err := store.GetTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, "vip", got.Name)

	added, err := store.AttachTag(ctx, conv.ID, tag.ID)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AttachTag(ctx, conv.ID, tag.ID)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = store.GetTag(ctx, tag.ID+1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	store := NewStore(database.SQL)
	conv := seedConversation(t, database, 0)
	_, err := store.RecordOutboundTemplate(ctx, conv.ID, "welcome", "wamid.out")
	require.NoError(t, err)

	changed, err := store.UpdateStatus(ctx, "wamid.out", models.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpdateStatus(ctx, "wamid.out", models.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed, "a late delivered callback does not undo read")

	changed, err = store.UpdateStatus(ctx, "wamid.out", "failed")
	require.NoError(t, err)
	assert.False(t, changed)

	var status string
	require.NoError(t, database.SQL.Get(&status, "SELECT status FROM messages WHERE external_id = 'wamid.out'"))
	assert.Equal(t, models.StatusRead, status)
}
