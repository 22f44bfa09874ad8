// Package notify tells downstream caches which folders of a vault changed.
// Notification is fire-and-forget: callers log a failed Invalidate and carry on.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// RootFolder stands for the top level of a vault, which has no folder record.
const RootFolder = "root"

// Notifier receives cache invalidation signals.
type Notifier interface {
	Invalidate(ctx context.Context, vaultID string, folderIDs []string) error
}

// Event is the message pushed to subscribers.
type Event struct {
	Type      string   `json:"type"`
	VaultID   string   `json:"vault_id"`
	FolderIDs []string `json:"folder_ids"`
}

// LogNotifier writes invalidations to the log.
type LogNotifier struct{}

func (LogNotifier) Invalidate(_ context.Context, vaultID string, folderIDs []string) error {
	log.Debug().Str("vault", vaultID).Strs("folders", folderIDs).Msg("cache invalidated")
	return nil
}

// Multi delivers every invalidation to all of its notifiers.
type Multi []Notifier

func (m Multi) Invalidate(ctx context.Context, vaultID string, folderIDs []string) error {
	var errs []error
	for _, n := range m {
		if err := n.Invalidate(ctx, vaultID, folderIDs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
