package model

import "time"

// User is the verified caller supplied by the authenticator.
type User struct {
	ID    string `json:"userId"`
	Email string `json:"email"`
}

// ExternalIdentity binds an internal user to the external memory-service user.
// While provisioning is in flight the row carries a Claimant and no ExternalUserID.
type ExternalIdentity struct {
	UserID         string     `json:"userId"`
	ExternalUserID string     `json:"externalUserId,omitempty"`
	Claimant       string     `json:"-"`
	ClaimedAt      time.Time  `json:"-"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
}

// Complete reports whether the mapping has been provisioned.
func (e *ExternalIdentity) Complete() bool {
	return e != nil && e.ExternalUserID != ""
}

// MemoryRecord is a unit of remembered content owned by the external service.
type MemoryRecord struct {
	ID             string         `json:"memoryId"`
	ExternalUserID string         `json:"-"`
	Content        string         `json:"content"`
	Metadata       MemoryMetadata `json:"metadata"`
	CreatedAt      *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time     `json:"updatedAt,omitempty"`
}

// Summary returns the display form stored in message links.
func (m MemoryRecord) Summary() MemorySummary {
	return MemorySummary{MemoryID: m.ID, Content: m.Content, Category: m.Metadata.Category}
}

// ScoredMemory is a search hit returned by the external service.
type ScoredMemory struct {
	MemoryRecord
	Score float64 `json:"score"`
}

// MemoryQuery selects memories for recall.
type MemoryQuery struct {
	Query    string `json:"query" validate:"required,max=2000"`
	Limit    int    `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
	Category string `json:"category,omitempty" validate:"omitempty,max=64"`
}

// MemoryPatch is a partial update; nil fields are left unchanged.
type MemoryPatch struct {
	Content  *string         `json:"content,omitempty"`
	Metadata *MemoryMetadata `json:"metadata,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p MemoryPatch) Empty() bool { return p.Content == nil && p.Metadata == nil }

// DeleteResult is the outcome of a delete. Deletion never raises for unknown ids.
type DeleteResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	MemoryID string `json:"memoryId"`
}

// MemorySummary is the snapshot of a memory kept alongside a message.
type MemorySummary struct {
	MemoryID string `json:"memoryId" validate:"required,max=128"`
	Content  string `json:"content" validate:"max=10000"`
	Category string `json:"category,omitempty" validate:"omitempty,max=64"`
}

// MessageMemoryLink records which memories were produced for a message.
// It is a point-in-time snapshot and is not refreshed when memories change.
type MessageMemoryLink struct {
	UserID    string          `json:"-"`
	MessageID string          `json:"messageId"`
	ChatID    string          `json:"chatId"`
	Memories  []MemorySummary `json:"memories"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Subscription is the plan assignment written by the billing collaborator.
type Subscription struct {
	UserID      string    `json:"userId"`
	PlanID      string    `json:"planId"`
	PeriodStart time.Time `json:"periodStart"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// UsageCounter is a running count of a metric within a billing period.
type UsageCounter struct {
	UserID      string    `json:"userId"`
	Metric      Metric    `json:"metric"`
	Count       int64     `json:"count"`
	PeriodStart time.Time `json:"periodStart"`
}
