// Package redis provides Redis persistence for workflow definitions, runs,
// backup manifests and schedules.
//
// Entities are stored as JSON strings under "<prefix>:<kind>:<key>". Ordered
// listings are served by sorted-set indexes scored by timestamp.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "repokeeper"

// Persistence implements persistence.Persistence on top of a Redis client.
type Persistence struct {
	client goredis.UniversalClient
	logger *slog.Logger
	prefix string
}

// NewPersistence connects to the redis:// URL and verifies the connection.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewPersistenceWithClient(logger, client, defaultPrefix), nil
}

// NewPersistenceWithClient wraps an existing client. Keys are namespaced by prefix.
func NewPersistenceWithClient(logger *slog.Logger, client goredis.UniversalClient, prefix string) *Persistence {
	return &Persistence{client: client, logger: logger, prefix: prefix}
}

func (p *Persistence) Close(_ context.Context) error {
	err := p.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return nil
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return &WorkflowRepository{p: p}
}

func (p *Persistence) RunRepository() persistence.RunRepository {
	return &RunRepository{p: p}
}

func (p *Persistence) BackupRepository() persistence.BackupRepository {
	return &BackupRepository{p: p}
}

func (p *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return &ScheduleRepository{p: p}
}

func (p *Persistence) key(parts ...string) string {
	key := p.prefix
	for _, part := range parts {
		key += ":" + part
	}

	return key
}

func getJSON[T any](ctx context.Context, p *Persistence, op, kind, key string, notFound error) (*T, error) {
	data, err := p.client.Get(ctx, p.key(kind, key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewStoreError(op, kind, key, notFound)
		}

		return nil, persistence.NewStoreError(op, kind, key, err)
	}

	var value T

	err = json.Unmarshal(data, &value)
	if err != nil {
		return nil, persistence.NewStoreError(op, kind, key, fmt.Errorf("failed to unmarshal: %w", err))
	}

	return &value, nil
}

// loadMany resolves index members into entities, skipping members whose document vanished.
func loadMany[T any](ctx context.Context, p *Persistence, op, kind string, keys []string) ([]*T, error) {
	values := make([]*T, 0, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = p.key(kind, key)
	}

	raw, err := p.client.MGet(ctx, fullKeys...).Result()
	if err != nil {
		return nil, persistence.NewStoreError(op, kind, "", err)
	}

	for i, item := range raw {
		data, ok := item.(string)
		if !ok {
			p.logger.WarnContext(ctx, "index references missing document", "kind", kind, "key", keys[i])

			continue
		}

		var value T

		err = json.Unmarshal([]byte(data), &value)
		if err != nil {
			return nil, persistence.NewStoreError(op, kind, keys[i], fmt.Errorf("failed to unmarshal: %w", err))
		}

		values = append(values, &value)
	}

	return values, nil
}

// WorkflowRepository stores definitions with a name-sorted set index.
type WorkflowRepository struct {
	p *Persistence
}

func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	names, err := r.p.client.ZRange(ctx, r.p.key("workflows"), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewStoreError("GetAll", "workflow", "", err)
	}

	return loadMany[models.WorkflowDefinition](ctx, r.p, "GetAll", "workflow", names)
}

func (r *WorkflowRepository) GetByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	return getJSON[models.WorkflowDefinition](ctx, r.p, "GetByName", "workflow", name, persistence.ErrWorkflowNotFound)
}

func (r *WorkflowRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	if definition.RegisteredAt.IsZero() {
		definition.RegisteredAt = time.Now().UTC()
	}

	data, err := json.Marshal(definition)
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", definition.Name, err)
	}

	_, err = r.p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.p.key("workflow", definition.Name), data, 0)
		// Equal scores make the set order lexicographic by member.
		pipe.ZAdd(ctx, r.p.key("workflows"), goredis.Z{Score: 0, Member: definition.Name})

		return nil
	})
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", definition.Name, err)
	}

	return nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, name string) error {
	return r.p.remove(ctx, "workflow", name, persistence.ErrWorkflowNotFound, r.p.key("workflows"))
}

// RunRepository stores runs with a start-time sorted set index.
type RunRepository struct {
	p *Persistence
}

func (r *RunRepository) Save(ctx context.Context, run *models.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return persistence.NewStoreError("Save", "run", run.ID, err)
	}

	_, err = r.p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.p.key("run", run.ID), data, 0)
		pipe.ZAdd(ctx, r.p.key("runs"), goredis.Z{Score: float64(run.StartedAt.UnixMilli()), Member: run.ID})

		return nil
	})
	if err != nil {
		return persistence.NewStoreError("Save", "run", run.ID, err)
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	return getJSON[models.WorkflowRun](ctx, r.p, "GetByID", "run", id, persistence.ErrRunNotFound)
}

func (r *RunRepository) List(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	ids, err := r.p.client.ZRevRange(ctx, r.p.key("runs"), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewStoreError("List", "run", "", err)
	}

	runs, err := loadMany[models.WorkflowRun](ctx, r.p, "List", "run", ids)
	if err != nil {
		return nil, err
	}

	return persistence.FilterRuns(runs, opts), nil
}

// BackupRepository stores manifests with a global index and one index per storage dir.
type BackupRepository struct {
	p *Persistence
}

func (r *BackupRepository) dirIndex(dir string) string {
	return r.p.key("backups", "dir", filepath.Clean(dir))
}

func (r *BackupRepository) Save(ctx context.Context, record *models.BackupRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return persistence.NewStoreError("Save", "backup", record.ID, err)
	}

	score := float64(record.CreatedAt.UnixMilli())

	_, err = r.p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.p.key("backup", record.ID), data, 0)
		pipe.ZAdd(ctx, r.p.key("backups"), goredis.Z{Score: score, Member: record.ID})
		pipe.ZAdd(ctx, r.dirIndex(record.StorageDir), goredis.Z{Score: score, Member: record.ID})

		return nil
	})
	if err != nil {
		return persistence.NewStoreError("Save", "backup", record.ID, err)
	}

	return nil
}

func (r *BackupRepository) GetByID(ctx context.Context, id string) (*models.BackupRecord, error) {
	return getJSON[models.BackupRecord](ctx, r.p, "GetByID", "backup", id, persistence.ErrBackupNotFound)
}

func (r *BackupRepository) ListByStorageDir(ctx context.Context, dir string) ([]*models.BackupRecord, error) {
	index := r.p.key("backups")
	if dir != "" {
		index = r.dirIndex(dir)
	}

	ids, err := r.p.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, persistence.NewStoreError("ListByStorageDir", "backup", dir, err)
	}

	records, err := loadMany[models.BackupRecord](ctx, r.p, "ListByStorageDir", "backup", ids)
	if err != nil {
		return nil, err
	}

	models.SortBackupsNewestFirst(records)

	return records, nil
}

func (r *BackupRepository) Delete(ctx context.Context, id string) error {
	record, err := r.GetByID(ctx, id)
	if err != nil {
		return persistence.NewStoreError("Delete", "backup", id, err)
	}

	return r.p.remove(ctx, "backup", id, persistence.ErrBackupNotFound, r.p.key("backups"), r.dirIndex(record.StorageDir))
}

// ScheduleRepository stores schedules with an id-sorted set index.
type ScheduleRepository struct {
	p *Persistence
}

func (r *ScheduleRepository) GetAll(ctx context.Context) ([]*models.BackupSchedule, error) {
	ids, err := r.p.client.ZRange(ctx, r.p.key("schedules"), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewStoreError("GetAll", "schedule", "", err)
	}

	return loadMany[models.BackupSchedule](ctx, r.p, "GetAll", "schedule", ids)
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.BackupSchedule, error) {
	return getJSON[models.BackupSchedule](ctx, r.p, "GetByID", "schedule", id, persistence.ErrScheduleNotFound)
}

func (r *ScheduleRepository) Save(ctx context.Context, schedule *models.BackupSchedule) error {
	data, err := json.Marshal(schedule)
	if err != nil {
		return persistence.NewStoreError("Save", "schedule", schedule.ID, err)
	}

	_, err = r.p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.p.key("schedule", schedule.ID), data, 0)
		pipe.ZAdd(ctx, r.p.key("schedules"), goredis.Z{Score: 0, Member: schedule.ID})

		return nil
	})
	if err != nil {
		return persistence.NewStoreError("Save", "schedule", schedule.ID, err)
	}

	return nil
}

func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	return r.p.remove(ctx, "schedule", id, persistence.ErrScheduleNotFound, r.p.key("schedules"))
}

func (p *Persistence) remove(ctx context.Context, kind, key string, notFound error, indexes ...string) error {
	var deleted *goredis.IntCmd

	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.Del(ctx, p.key(kind, key))

		for _, index := range indexes {
			pipe.ZRem(ctx, index, key)
		}

		return nil
	})
	if err != nil {
		return persistence.NewStoreError("Delete", kind, key, err)
	}

	if deleted.Val() == 0 {
		return persistence.NewStoreError("Delete", kind, key, notFound)
	}

	return nil
}
