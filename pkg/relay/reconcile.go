// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

func (e *Engine) applyEdit(ctx context.Context, log *zerolog.Logger, t *EditTask) error {
	dest, copyID := ChatID(t.Record.BackupChatID), MessageID(t.Record.BackupMsgID)
	var current string
	err := e.call(ctx, log, "fetch_text", func() (err error) {
		current, err = e.platform.FetchText(ctx, dest, copyID)
		return
	})
	if err != nil {
		return fmt.Errorf("failed to fetch mirrored copy: %w", err)
	}
	if isDuplicateEdit(current, t.Message.Text) {
		log.Debug().Str("copy_id", string(copyID)).Msg("Edit already applied, skipping")
		return nil
	}
	editedAt := t.Message.EditDate
	if editedAt.IsZero() {
		editedAt = e.now()
	}
	updated := e.compose.editEntry(editedAt, t.Message.Text)
	if current != "" {
		updated = current + "\n\n" + updated
	}
	err = e.call(ctx, log, "edit_text", func() error {
		return e.platform.EditText(ctx, dest, copyID, updated)
	})
	if err != nil {
		return fmt.Errorf("failed to edit mirrored copy: %w", err)
	}
	return nil
}

func (e *Engine) applyDelete(ctx context.Context, log *zerolog.Logger, t *DeleteTask) error {
	dest, copyID := ChatID(t.Record.BackupChatID), MessageID(t.Record.BackupMsgID)
	var current string
	editErr := e.call(ctx, log, "fetch_text", func() (err error) {
		current, err = e.platform.FetchText(ctx, dest, copyID)
		return
	})
	if editErr == nil {
		marked := current + e.compose.recalledMarker(t.DeletedAt)
		editErr = e.call(ctx, log, "edit_text", func() error {
			return e.platform.EditText(ctx, dest, copyID, marked)
		})
	}
	if editErr != nil {
		log.Warn().Err(editErr).Str("copy_id", string(copyID)).Msg("Failed to mark mirrored copy as recalled")
	}
	warning := e.compose.recallWarning(t.DeletedAt, editErr != nil)
	opts := SendOptions{ReplyTo: copyID, Topic: TopicID(t.Record.TargetTopicID)}
	err := e.call(ctx, log, "send_text", func() error {
		_, err := e.platform.SendText(ctx, dest, warning, opts)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send recall warning: %w", err)
	}
	return nil
}

func (e *Engine) applyReaction(ctx context.Context, log *zerolog.Logger, t *ReactionTask) error {
	dest, copyID := ChatID(t.Record.BackupChatID), MessageID(t.Record.BackupMsgID)
	err := e.call(ctx, log, "set_reaction", func() error {
		return e.platform.SetReaction(ctx, dest, copyID, t.Reaction)
	})
	if err != nil {
		return fmt.Errorf("failed to set reaction: %w", err)
	}
	return nil
}
