package web

import "github.com/dukex/repokeeper/pkg/models"

// DispatchRequest is the body of a dispatch for one workflow or for every workflow
// declaring the event.
type DispatchRequest struct {
	Event string `json:"event" validate:"required"`
}

type DispatchResponse struct {
	RunID string `json:"run_id"`
}

type DispatchEventResponse struct {
	RunIDs []string `json:"run_ids"`
}

type CreateBackupRequest struct {
	RepoPath string   `json:"repo_path" validate:"required"`
	DestDir  string   `json:"dest_dir"  validate:"required"`
	Excludes []string `json:"excludes,omitempty"`
}

type RestoreRequest struct {
	TargetPath string `json:"target_path" validate:"required"`
	Force      bool   `json:"force"`
}

type PruneRequest struct {
	DestDir       string `json:"dest_dir"       validate:"required"`
	RepoPath      string `json:"repo_path"      validate:"required"`
	RetentionDays int    `json:"retention_days" validate:"min=0"`
}

type PruneResponse struct {
	Pruned []*models.BackupRecord `json:"pruned"`
}
