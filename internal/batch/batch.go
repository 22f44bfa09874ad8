// Package batch applies one action to many files of a vault and tells the
// cache notifier which folders changed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filevault/filevault/internal/logging/audit"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/notify"
	"github.com/filevault/filevault/internal/store"
	"github.com/filevault/filevault/internal/vault"
	"github.com/rs/zerolog/log"
)

// MaxItems bounds the number of files in one request.
const MaxItems = 1000

// Action is a batch operation.
type Action string

const (
	ActionDelete  Action = "delete"
	ActionMove    Action = "move"
	ActionTag     Action = "tag"
	ActionRestore Action = "restore"
)

// Request selects files and the action to apply to them.
type Request struct {
	VaultID        string   `json:"vault_id"`
	Action         Action   `json:"action"`
	FileIDs        []string `json:"file_ids"`
	TargetFolderID *string  `json:"target_folder_id,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Result counts what happened. Failed is only non-zero on the per-item path.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Store is the part of the persistence layer the executor needs. Stores that
// also implement store.BulkFileStore get one statement per action.
type Store interface {
	store.FileStore
	store.FolderStore
}

// Executor runs batch requests.
type Executor struct {
	store    Store
	notifier notify.Notifier
	metrics  *metrics.VaultMetrics
	audit    *audit.Logger
	now      func() time.Time
}

// NewExecutor creates an executor. n, m and a may be nil.
func NewExecutor(st Store, n notify.Notifier, m *metrics.VaultMetrics, a *audit.Logger) *Executor {
	return &Executor{store: st, notifier: n, metrics: m, audit: a, now: time.Now}
}

func (r *Request) validate() error {
	if r.VaultID == "" {
		return vault.Validationf("vault_id is required")
	}
	if len(r.FileIDs) == 0 {
		return vault.Validationf("file_ids must not be empty")
	}
	if len(r.FileIDs) > MaxItems {
		return vault.Validationf("at most %d files per batch, got %d", MaxItems, len(r.FileIDs))
	}
	switch r.Action {
	case ActionDelete, ActionRestore:
	case ActionMove:
		if r.TargetFolderID == nil || *r.TargetFolderID == "" {
			return vault.Validationf("move requires target_folder_id")
		}
	case ActionTag:
		if len(r.Tags) == 0 {
			return vault.Validationf("tag requires tags")
		}
	default:
		return vault.Validationf("unknown action %q", r.Action)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Execute applies req. A failing bulk statement fails the whole request; on
// the per-item path failures are counted and the remaining items still run.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	ids := dedupe(req.FileIDs)

	var target *vault.Folder
	if req.Action == ActionMove {
		f, err := e.store.GetFolder(ctx, *req.TargetFolderID)
		if err != nil {
			return Result{}, err
		}
		if f.VaultID != req.VaultID {
			return Result{}, fmt.Errorf("folder %s: %w", f.ID, vault.ErrNotFound)
		}
		target = f
	}

	folders, err := e.sourceFolders(ctx, req.VaultID, ids)
	if err != nil {
		return Result{}, err
	}
	if target != nil {
		folders = appendUnique(folders, target.ID)
	}

	var res Result
	if bulk, ok := e.store.(store.BulkFileStore); ok {
		n, err := e.runBulk(ctx, bulk, req, ids, target)
		if err != nil {
			e.metrics.RecordBatch(string(req.Action), 0, len(ids))
			e.audit.LogBatch(req.VaultID, string(req.Action), len(ids), 0, len(ids))
			return Result{}, vault.StorageFailure("batch "+string(req.Action), err)
		}
		res.Processed = n
	} else {
		res = e.runEach(ctx, req, ids, target)
	}

	e.metrics.RecordBatch(string(req.Action), res.Processed, res.Failed)
	e.audit.LogBatch(req.VaultID, string(req.Action), len(ids), res.Processed, res.Failed)

	if e.notifier != nil && len(folders) > 0 {
		if err := e.notifier.Invalidate(context.WithoutCancel(ctx), req.VaultID, folders); err != nil {
			log.Warn().Err(err).Str("vault", req.VaultID).Msg("cache invalidation failed")
		}
	}
	return res, nil
}

// sourceFolders returns the folders currently holding the given files.
func (e *Executor) sourceFolders(ctx context.Context, vaultID string, ids []string) ([]string, error) {
	files, err := e.store.ListFiles(ctx, vaultID, nil, true)
	if err != nil {
		return nil, vault.StorageFailure("list files", err)
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var folders []string
	for _, f := range files {
		if _, ok := want[f.ID]; !ok {
			continue
		}
		folder := notify.RootFolder
		if f.FolderID != nil {
			folder = *f.FolderID
		}
		folders = appendUnique(folders, folder)
	}
	return folders, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func (e *Executor) runBulk(ctx context.Context, bulk store.BulkFileStore, req Request, ids []string, target *vault.Folder) (int, error) {
	switch req.Action {
	case ActionDelete:
		return bulk.BulkSoftDelete(ctx, req.VaultID, ids, e.now().UTC())
	case ActionRestore:
		return bulk.BulkRestore(ctx, req.VaultID, ids)
	case ActionMove:
		return bulk.BulkMove(ctx, req.VaultID, ids, target)
	default:
		return bulk.BulkTag(ctx, req.VaultID, ids, req.Tags)
	}
}

func (e *Executor) runEach(ctx context.Context, req Request, ids []string, target *vault.Folder) Result {
	var res Result
	at := e.now().UTC()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.Failed += len(ids) - res.Processed - res.Failed
			break
		}
		var err error
		switch req.Action {
		case ActionDelete:
			err = e.store.SoftDeleteFile(ctx, req.VaultID, id, at)
		case ActionRestore:
			err = e.store.RestoreFile(ctx, req.VaultID, id)
		case ActionMove:
			err = e.store.MoveFile(ctx, req.VaultID, id, target)
		case ActionTag:
			err = e.store.TagFile(ctx, req.VaultID, id, req.Tags)
		}
		if err != nil {
			res.Failed++
			lvl := log.Warn()
			if errors.Is(err, vault.ErrNotFound) {
				lvl = log.Debug()
			}
			lvl.Err(err).Str("file", id).Str("action", string(req.Action)).Msg("batch item failed")
			continue
		}
		res.Processed++
	}
	return res
}
