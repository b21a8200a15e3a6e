package linker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
)

// Linker keeps the local record of which memories were produced for a message.
// Links are snapshots; they are not refreshed when a memory is edited or deleted.
type Linker struct {
	links store.Links
	log   zerolog.Logger
	now   func() time.Time
}

func New(links store.Links, log zerolog.Logger) *Linker {
	return &Linker{links: links, log: log, now: time.Now}
}

// Attach records memories against (userID, messageID), replacing any earlier list.
// Input is validated before the store is touched.
func (l *Linker) Attach(ctx context.Context, userID, messageID, chatID string, memories []model.MemorySummary) error {
	switch {
	case userID == "":
		return model.NewValidationError("userId", "is required")
	case messageID == "":
		return model.NewValidationError("messageId", "is required")
	case chatID == "":
		return model.NewValidationError("chatId", "is required")
	case len(memories) == 0:
		return model.NewValidationError("memories", "at least one memory is required")
	}
	for i, m := range memories {
		if err := model.ValidateStruct(m); err != nil {
			var ve model.ValidationError
			if errors.As(err, &ve) {
				return model.NewValidationError(fmt.Sprintf("memories[%d].%s", i, ve.Field), ve.Message)
			}
			return err
		}
	}

	link := &model.MessageMemoryLink{
		UserID:    userID,
		MessageID: messageID,
		ChatID:    chatID,
		Memories:  memories,
		CreatedAt: l.now(),
	}
	if err := l.links.Put(ctx, link); err != nil {
		return &model.PersistenceError{Op: "link_put", Cause: err}
	}
	l.log.Debug().Str("user_id", userID).Str("message_id", messageID).Int("memories", len(memories)).Msg("memories linked to message")
	return nil
}

// Get returns the link for a message. found is false when nothing was attached.
func (l *Linker) Get(ctx context.Context, userID, messageID string) (*model.MessageMemoryLink, bool, error) {
	if messageID == "" {
		return nil, false, model.NewValidationError("messageId", "is required")
	}
	link, err := l.links.Get(ctx, userID, messageID)
	if model.IsNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &model.PersistenceError{Op: "link_get", Cause: err}
	}
	return link, true, nil
}

// ForChat returns every link recorded in a chat, oldest first.
func (l *Linker) ForChat(ctx context.Context, userID, chatID string) ([]*model.MessageMemoryLink, error) {
	if chatID == "" {
		return nil, model.NewValidationError("chatId", "is required")
	}
	links, err := l.links.ListByChat(ctx, userID, chatID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "link_list", Cause: err}
	}
	return links, nil
}
