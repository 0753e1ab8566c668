package models

import (
	"time"

	"gorm.io/datatypes"
)

// TriggerClientMessage is the source of edges fired on first contact or
// after a conversation has been idle.
const TriggerClientMessage = "client-message"

// HandleManually is the source handle for free-text and image replies.
const HandleManually = "manually"

// FlowEdge is one trigger→action rule of the automated-response graph.
// Backup 0 is the live generation; anything greater is a retired snapshot.
type FlowEdge struct {
	ID             int64     `gorm:"primaryKey" db:"id" json:"id"`
	Source         string    `gorm:"not null;index:idx_auto_flow_lookup,priority:3" db:"source" json:"source"`
	SourceHandle   string    `gorm:"not null;default:'';index:idx_auto_flow_lookup,priority:4" db:"source_handle" json:"sourceHandle"`
	Target         string    `gorm:"not null;default:''" db:"target" json:"target"`
	TargetHandle   string    `gorm:"not null;default:''" db:"target_handle" json:"targetHandle"`
	IDRelation     string    `gorm:"not null;default:''" db:"id_relation" json:"idRelation"`
	TemplateData   string    `gorm:"type:text;not null" db:"template_data" json:"templateData"`
	CompanyID      int64     `gorm:"not null;index:idx_auto_flow_lookup,priority:1" db:"company_id" json:"companyId"`
	CompanyPhoneID int64     `gorm:"not null;index:idx_auto_flow_lookup,priority:2" db:"company_phone_id" json:"companyPhoneId"`
	Backup         int       `gorm:"not null;default:0;index:idx_auto_flow_lookup,priority:5" db:"backup" json:"backup"`
	CreatedAt      time.Time `gorm:"autoCreateTime" db:"created_at" json:"createdAt"`
}

func (FlowEdge) TableName() string { return "auto_flow" }

// FlowJob is a queued instruction to deliver one templated message for one
// conversation. Rows are never deleted.
type FlowJob struct {
	ID             int64     `gorm:"primaryKey" db:"id" json:"id"`
	Message        string    `gorm:"type:text;not null" db:"message" json:"message"`
	CompanyID      int64     `gorm:"not null" db:"company_id" json:"companyId"`
	CompanyPhoneID int64     `gorm:"not null;default:0" db:"company_phone_id" json:"companyPhoneId"`
	ConversationID int64     `gorm:"not null;index" db:"conversation_id" json:"conversationId"`
	ContentHash    string    `gorm:"size:64;not null;index:idx_flow_queue_hash" db:"content_hash" json:"contentHash"`
	Processed      bool      `gorm:"not null;default:false;index:idx_flow_queue_pending,priority:1" db:"processed" json:"processed"`
	CreatedAt      time.Time `gorm:"not null;index:idx_flow_queue_pending,priority:2" db:"created_at" json:"createdAt"`
}

func (FlowJob) TableName() string { return "flow_queue" }

// ScheduledTask applies a tag to a fixed set of conversations or phones at or
// after DispatchDate. Exactly one of Conversations/Phones is expected to be set.
type ScheduledTask struct {
	ID             int64          `gorm:"primaryKey" json:"id"`
	TagID          int64          `gorm:"not null" json:"tag"`
	CompanyPhoneID int64          `gorm:"not null" json:"companyPhoneId"`
	UserID         int64          `gorm:"not null;default:0" json:"userId"`
	Conversations  datatypes.JSON `gorm:"not null;default:'null'" json:"conversations"`
	Phones         datatypes.JSON `gorm:"not null;default:'null'" json:"phones"`
	DispatchDate   *time.Time     `gorm:"index" json:"dispatchDate,omitempty"`
	Processed      bool           `gorm:"not null;default:false;index" json:"processed"`
	Error          bool           `gorm:"not null;default:false" json:"error"`
	ErrorDetail    string         `gorm:"type:text;not null;default:''" json:"errorDetail,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (ScheduledTask) TableName() string { return "scheduled_tasks" }

// The tables below belong to the CRUD side of the application. They are
// migrated here so the flow subsystem can run standalone; the flow code only
// reads them, apart from recording messages and tag links.

// Conversation is one chat between a company channel and a client phone.
// LastMessageTime is epoch seconds.
type Conversation struct {
	ID              int64  `gorm:"primaryKey" db:"id" json:"id"`
	CompanyID       int64  `gorm:"not null;index:idx_conversations_phone,priority:1" db:"company_id" json:"companyId"`
	CompanyPhoneID  int64  `gorm:"not null;index:idx_conversations_phone,priority:2" db:"company_phone_id" json:"companyPhoneId"`
	Phone           string `gorm:"not null;index:idx_conversations_phone,priority:3" db:"phone" json:"phone"`
	LastMessageTime int64  `gorm:"not null;default:0" db:"last_message_time" json:"lastMessageTime"`
}

// Message statuses. StatusClient marks inbound messages; everything else is
// an agent or bot response.
const (
	StatusClient    = "client"
	StatusTrying    = "trying"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message types relevant to flow decisions.
const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeButton   = "button"
	TypeTemplate = "template"
)

// Message is one message of a conversation. CreatedAt is epoch seconds.
type Message struct {
	ID             int64  `gorm:"primaryKey" db:"id" json:"id"`
	ConversationID int64  `gorm:"not null;index" db:"conversation_id" json:"conversationId"`
	ExternalID     string `gorm:"not null;default:'';index" db:"external_id" json:"externalId"`
	Status         string `gorm:"not null" db:"status" json:"status"`
	MessageType    string `gorm:"not null" db:"message_type" json:"messageType"`
	TemplateName   string `gorm:"not null;default:''" db:"template_name" json:"templateName,omitempty"`
	IsBot          bool   `gorm:"not null;default:false" db:"is_bot" json:"isBot"`
	Body           string `gorm:"type:text;not null;default:''" db:"body" json:"body,omitempty"`
	CreatedAt      int64  `gorm:"not null" db:"created_at" json:"createdAt"`
}

// Tag is a company-scoped label that can be attached to conversations.
type Tag struct {
	ID        int64  `gorm:"primaryKey" db:"id" json:"id"`
	CompanyID int64  `gorm:"not null;index" db:"company_id" json:"companyId"`
	Name      string `gorm:"not null" db:"name" json:"name"`
}

type ConversationTag struct {
	ConversationID int64     `gorm:"primaryKey" db:"conversation_id"`
	TagID          int64     `gorm:"primaryKey" db:"tag_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" db:"created_at"`
}

// CompanyPhone holds the Cloud API credentials of one company channel.
type CompanyPhone struct {
	ID            int64  `gorm:"primaryKey" db:"id" json:"id"`
	CompanyID     int64  `gorm:"not null;index" db:"company_id" json:"companyId"`
	PhoneNumberID string `gorm:"not null" db:"phone_number_id" json:"phoneNumberId"`
	AccessToken   string `gorm:"type:text;not null" db:"access_token" json:"-"`
	DisplayPhone  string `gorm:"not null;default:''" db:"display_phone" json:"displayPhone"`
}

// All returns every model in migration order.
func All() []interface{} {
	return []interface{}{
		&FlowEdge{},
		&FlowJob{},
		&ScheduledTask{},
		&Conversation{},
		&Message{},
		&Tag{},
		&ConversationTag{},
		&CompanyPhone{},
	}
}
