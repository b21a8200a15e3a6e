package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/linker"
	"github.com/mycelian/mycelian-memory/companion/internal/metrics"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/usage"
)

// MemoryStore is the external memory service.
type MemoryStore interface {
	Configured() bool
	Create(ctx context.Context, externalUserID, content string, md model.MemoryMetadata) (string, error)
	Update(ctx context.Context, externalUserID, memoryID string, patch model.MemoryPatch) error
	Delete(ctx context.Context, externalUserID, memoryID string) model.DeleteResult
	Fetch(ctx context.Context, externalUserID, memoryID string) (*model.MemoryRecord, error)
	Search(ctx context.Context, externalUserID string, q model.MemoryQuery) ([]model.ScoredMemory, error)
}

// IdentityResolver maps internal users to external memory-service users.
type IdentityResolver interface {
	Resolve(ctx context.Context, user model.User) (string, error)
	Lookup(ctx context.Context, userID string) (string, bool, error)
}

// SaveItem is one memory to store.
type SaveItem struct {
	Content  string               `json:"content" validate:"required,max=10000"`
	Metadata model.MemoryMetadata `json:"metadata"`
}

// SaveRequest stores one or more memories, optionally produced by a chat message.
// When MessageID is set the stored memories are linked to it.
type SaveRequest struct {
	MessageID string     `json:"messageId" validate:"omitempty,max=128"`
	ChatID    string     `json:"chatId" validate:"max=128"`
	Items     []SaveItem `json:"items" validate:"required,min=1,max=50,dive"`
}

// SaveStatus summarises how much of a save completed.
type SaveStatus string

const (
	FullySucceeded     SaveStatus = "fully_succeeded"
	PartiallySucceeded SaveStatus = "partially_succeeded"
)

// SaveOutcome reports a save in which at least one memory was stored externally.
type SaveOutcome struct {
	Memories []model.MemoryRecord
	// Failed counts items the external service rejected.
	Failed int
	// SecondaryErr joins local bookkeeping failures (link, usage) that were
	// absorbed after the external write succeeded.
	SecondaryErr error
}

// MemoryIDs lists the ids of the stored memories in request order.
func (o *SaveOutcome) MemoryIDs() []string {
	ids := make([]string, 0, len(o.Memories))
	for _, m := range o.Memories {
		ids = append(ids, m.ID)
	}
	return ids
}

func (o *SaveOutcome) Status() SaveStatus {
	if o.Failed > 0 || o.SecondaryErr != nil {
		return PartiallySucceeded
	}
	return FullySucceeded
}

// MemoryService orchestrates memory use cases across the external memory
// service and the local mirror. Failures before the external write abort with
// no side effects; failures in local bookkeeping after it are logged and absorbed.
type MemoryService struct {
	mem       MemoryStore
	ids       IdentityResolver
	links     *linker.Linker
	acct      *usage.Accountant
	opTimeout time.Duration
	m         *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewMemoryService(mem MemoryStore, ids IdentityResolver, links *linker.Linker, acct *usage.Accountant, opTimeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *MemoryService {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &MemoryService{mem: mem, ids: ids, links: links, acct: acct, opTimeout: opTimeout, m: m, log: log, now: time.Now}
}

var errNotConfigured = model.NewConfigurationError("COMPANION_MEMORY_SERVICE_API_KEY", "Memory service not configured")

// Save runs validate, configuration check, quota pre-check and identity
// resolution, then stores each item externally and records links and usage for
// the ones that were stored. The external write and the bookkeeping that follows
// run detached from the caller's cancellation so a disconnect cannot leave a
// stored memory unlinked or uncounted.
func (s *MemoryService) Save(ctx context.Context, user model.User, req SaveRequest) (*SaveOutcome, error) {
	if err := validateSave(req); err != nil {
		return nil, err
	}
	if !s.mem.Configured() {
		return nil, errNotConfigured
	}

	d, err := s.acct.Check(ctx, user.ID, model.MetricMemoriesAdded)
	if err != nil {
		return nil, err
	}
	if !d.Limit.IsUnlimited() && d.Limit.Remaining(d.Count) < int64(len(req.Items)) {
		s.m.QuotaRejections.WithLabelValues(string(model.MetricMemoriesAdded)).Inc()
		return nil, model.QuotaExceededError{Metric: model.MetricMemoriesAdded, Count: d.Count, Limit: d.Limit}
	}

	extID, err := s.ids.Resolve(ctx, user)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()

	out := &SaveOutcome{}
	var firstErr error
	for i, item := range req.Items {
		md := s.stamp(item.Metadata, req)
		id, err := s.mem.Create(opCtx, extID, item.Content, md)
		if err != nil {
			s.log.Error().Stack().Err(err).Str("user_id", user.ID).Int("item", i).Msg("external memory create failed")
			out.Failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out.Memories = append(out.Memories, model.MemoryRecord{
			ID:             id,
			ExternalUserID: extID,
			Content:        item.Content,
			Metadata:       md,
			CreatedAt:      md.CreatedAt,
		})
	}
	if len(out.Memories) == 0 {
		s.m.SaveOutcomes.WithLabelValues("failed").Inc()
		return nil, firstErr
	}

	// Every stored memory is counted; the ceiling was enforced by the pre-check.
	var secondary []error
	for _, m := range out.Memories {
		if _, err := s.acct.Charge(opCtx, user.ID, model.MetricMemoriesAdded); err != nil {
			secondary = append(secondary, fmt.Errorf("count memory %s: %w", m.ID, err))
			s.m.BookkeepingFailures.WithLabelValues("usage").Inc()
		}
	}
	if req.MessageID != "" {
		summaries := make([]model.MemorySummary, 0, len(out.Memories))
		for _, m := range out.Memories {
			summaries = append(summaries, m.Summary())
		}
		if err := s.links.Attach(opCtx, user.ID, req.MessageID, req.ChatID, summaries); err != nil {
			secondary = append(secondary, err)
			s.m.BookkeepingFailures.WithLabelValues("link").Inc()
		}
	}
	out.SecondaryErr = errors.Join(secondary...)
	if out.SecondaryErr != nil {
		s.log.Error().Stack().Err(out.SecondaryErr).Str("user_id", user.ID).Strs("memory_ids", out.MemoryIDs()).
			Msg("memories stored but local bookkeeping failed")
	}

	s.m.SaveOutcomes.WithLabelValues(string(out.Status())).Inc()
	s.log.Info().Str("user_id", user.ID).Str("message_id", req.MessageID).Int("stored", len(out.Memories)).
		Int("failed", out.Failed).Str("status", string(out.Status())).Msg("memories saved")
	return out, nil
}

func validateSave(req SaveRequest) error {
	if len(req.Items) == 0 {
		return model.NewValidationError("memories", "at least one memory is required")
	}
	if err := model.ValidateStruct(req); err != nil {
		return err
	}
	if req.MessageID != "" && req.ChatID == "" {
		return model.NewValidationError("chatId", "is required with messageId")
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.Content) == "" {
			return model.NewValidationError(fmt.Sprintf("items[%d].content", i), "is required")
		}
		if err := item.Metadata.Validate(); err != nil {
			return prefixItem(i, err)
		}
	}
	return nil
}

func prefixItem(i int, err error) error {
	var ve model.ValidationError
	if errors.As(err, &ve) {
		return model.NewValidationError(fmt.Sprintf("items[%d].%s", i, ve.Field), ve.Message)
	}
	return err
}

// stamp fills the provenance fields the caller left empty.
func (s *MemoryService) stamp(md model.MemoryMetadata, req SaveRequest) model.MemoryMetadata {
	if md.MessageID == "" {
		md.MessageID = req.MessageID
	}
	if md.ChatID == "" {
		md.ChatID = req.ChatID
	}
	if md.CreatedAt == nil {
		now := s.now().UTC()
		md.CreatedAt = &now
	}
	return md
}

// Update applies a partial update to one of the user's memories.
func (s *MemoryService) Update(ctx context.Context, user model.User, memoryID string, patch model.MemoryPatch) error {
	if memoryID == "" {
		return model.NewValidationError("memoryId", "is required")
	}
	if patch.Empty() {
		return model.NewValidationError("patch", "content or metadata is required")
	}
	if patch.Content != nil {
		if strings.TrimSpace(*patch.Content) == "" {
			return model.NewValidationError("content", "must not be empty")
		}
		if len(*patch.Content) > model.MaxContentLen {
			return model.NewValidationError("content", fmt.Sprintf("exceeds maximum of %d", model.MaxContentLen))
		}
	}
	if patch.Metadata != nil {
		if err := patch.Metadata.Validate(); err != nil {
			return err
		}
		now := s.now().UTC()
		patch.Metadata.UpdatedAt = &now
	}
	if !s.mem.Configured() {
		return errNotConfigured
	}
	extID, err := s.lookup(ctx, user)
	if err != nil {
		return err
	}
	err = s.mem.Update(ctx, extID, memoryID, patch)
	var ee *model.ExternalServiceError
	if errors.As(err, &ee) && ee.Status == http.StatusNotFound {
		return model.NewNotFoundError("memoryId", "memory not found")
	}
	return err
}

// Delete removes one of the user's memories. It never fails: problems are
// reported in the result. Links that mention the memory are left as they were.
func (s *MemoryService) Delete(ctx context.Context, user model.User, memoryID, reason string) model.DeleteResult {
	res := model.DeleteResult{MemoryID: memoryID}
	if memoryID == "" {
		res.Error = "memoryId is required"
		return res
	}
	if !s.mem.Configured() {
		res.Error = errNotConfigured.Message
		return res
	}
	extID, ok, err := s.ids.Lookup(ctx, user.ID)
	if err != nil {
		s.log.Error().Stack().Err(err).Str("user_id", user.ID).Msg("identity lookup failed during delete")
		res.Error = "Failed to delete memory"
		return res
	}
	if !ok {
		res.Error = "Memory not found or already deleted"
		return res
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()
	res = s.mem.Delete(opCtx, extID, memoryID)
	s.log.Info().Str("user_id", user.ID).Str("memory_id", memoryID).Str("reason", reason).
		Bool("success", res.Success).Msg("memory delete")
	return res
}

// Get fetches one of the user's memories.
func (s *MemoryService) Get(ctx context.Context, user model.User, memoryID string) (*model.MemoryRecord, error) {
	if memoryID == "" {
		return nil, model.NewValidationError("memoryId", "is required")
	}
	if !s.mem.Configured() {
		return nil, errNotConfigured
	}
	extID, err := s.lookup(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.mem.Fetch(ctx, extID, memoryID)
}

// DefaultSearchLimit applies when a query does not set one.
const DefaultSearchLimit = 10

// Search returns the user's memories relevant to q and counts one memoriesSearched.
func (s *MemoryService) Search(ctx context.Context, user model.User, q model.MemoryQuery) ([]model.ScoredMemory, error) {
	if q.Limit == 0 {
		q.Limit = DefaultSearchLimit
	}
	if err := model.ValidateStruct(q); err != nil {
		return nil, err
	}
	if !s.mem.Configured() {
		return nil, errNotConfigured
	}
	d, err := s.acct.Check(ctx, user.ID, model.MetricMemoriesSearched)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		s.m.QuotaRejections.WithLabelValues(string(model.MetricMemoriesSearched)).Inc()
		return nil, model.QuotaExceededError{Metric: d.Metric, Count: d.Count, Limit: d.Limit}
	}
	extID, ok, err := s.ids.Lookup(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []model.ScoredMemory{}, nil
	}
	hits, err := s.mem.Search(ctx, extID, q)
	if err != nil {
		return nil, err
	}
	if _, err := s.acct.Charge(context.WithoutCancel(ctx), user.ID, model.MetricMemoriesSearched); err != nil {
		s.m.BookkeepingFailures.WithLabelValues("usage").Inc()
		s.log.Error().Stack().Err(err).Str("user_id", user.ID).Msg("count memory search failed")
	}
	return hits, nil
}

// lookup finds the user's external id; a user never provisioned owns no memories.
func (s *MemoryService) lookup(ctx context.Context, user model.User) (string, error) {
	extID, ok, err := s.ids.Lookup(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", model.NewNotFoundError("memoryId", "memory not found")
	}
	return extID, nil
}

// AttachToMessage links memories the caller already stored to a message.
func (s *MemoryService) AttachToMessage(ctx context.Context, user model.User, messageID, chatID string, memories []model.MemorySummary) error {
	return s.links.Attach(ctx, user.ID, messageID, chatID, memories)
}

// MessageMemories returns the memories linked to a message.
func (s *MemoryService) MessageMemories(ctx context.Context, user model.User, messageID string) (*model.MessageMemoryLink, bool, error) {
	return s.links.Get(ctx, user.ID, messageID)
}

// ChatMemories returns every message link recorded in a chat.
func (s *MemoryService) ChatMemories(ctx context.Context, user model.User, chatID string) ([]*model.MessageMemoryLink, error) {
	return s.links.ForChat(ctx, user.ID, chatID)
}
