// Package store is the typed façade over the external Redis key-value store,
// the single source of truth for model records and API keys.
//
// Layout: model:{abbr} and apikey:{hash} are flat string hashes,
// gpu_assignment:{abbr} is a plain string kept for back-compat scans.
package store

import (
	"context"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mind-ai/mind/internal/orchestrator/errdefs"
	"github.com/mind-ai/mind/internal/orchestrator/model"
	"github.com/mind-ai/mind/pkg/logging"
)

const (
	modelKeyPrefix      = "model:"
	gpuAssignmentPrefix = "gpu_assignment:"
	apiKeyPrefix        = "apikey:"
)

// APIKeyRecord is the stored form of an API key. The full key is never
// persisted; the record is addressed by the key's keyed hash.
type APIKeyRecord struct {
	Hash        string `json:"-"`
	Prefix      string `json:"prefix"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	LastUsedAt  int64  `json:"last_used_at,omitempty"`
}

// Store wraps the Redis client with typed reads and writes.
type Store struct {
	rdb            *redis.Client
	logger         logging.Interface
	portRangeStart int
}

// New connects a store from the given configuration.
func New(config *Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: config.Addr(),
		DB:   config.DB,
	})
	return NewWithClient(rdb, config), nil
}

// NewWithClient wraps an existing Redis client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client, config *Config) *Store {
	start := config.PortRangeStart
	if start == 0 {
		start = 8100
	}
	return &Store{
		rdb:            rdb,
		logger:         config.Logger,
		portRangeStart: start,
	}
}

// Ping reports whether the Redis server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func modelKey(abbr string) string { return modelKeyPrefix + abbr }

// SaveModel writes the full record hash and the redundant GPU assignment key.
// UpdatedAt is stamped on every write.
func (s *Store) SaveModel(ctx context.Context, r *model.Record) error {
	r.UpdatedAt = model.NowMillis()
	if r.CreatedAt == 0 {
		r.CreatedAt = r.UpdatedAt
	}

	fields := r.Fields()
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	if err := s.rdb.HSet(ctx, modelKey(r.Abbr), values).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "writing model record")
	}
	if err := s.rdb.Set(ctx, gpuAssignmentPrefix+r.Abbr, strconv.Itoa(r.GPUDevice), 0).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "writing gpu assignment")
	}
	return nil
}

// GetModel reads one record. A missing record returns a NotFound error.
func (s *Store) GetModel(ctx context.Context, abbr string) (*model.Record, error) {
	fields, err := s.rdb.HGetAll(ctx, modelKey(abbr)).Result()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "reading model record")
	}
	if len(fields) == 0 {
		return nil, errdefs.Newf(errdefs.KindNotFound, "model %s not found", abbr)
	}
	return model.RecordFromFields(fields)
}

// ListModels returns all records sorted by slug.
func (s *Store) ListModels(ctx context.Context) ([]*model.Record, error) {
	var records []*model.Record

	iter := s.rdb.Scan(ctx, 0, modelKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fields, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "reading model record")
		}
		if len(fields) == 0 {
			continue
		}
		record, err := model.RecordFromFields(fields)
		if err != nil {
			s.logger.WithError(err).WithField("key", iter.Val()).Warn("Skipping malformed model record")
			continue
		}
		records = append(records, record)
	}
	if err := iter.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "scanning model records")
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Abbr < records[j].Abbr })
	return records, nil
}

// ListModelsByStatus returns all records currently in the given status.
func (s *Store) ListModelsByStatus(ctx context.Context, status model.Status) ([]*model.Record, error) {
	all, err := s.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.Record
	for _, r := range all {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// UpdateModelStatus updates the lifecycle fields of a record in place.
// Progress below zero leaves the stored progress untouched.
func (s *Store) UpdateModelStatus(ctx context.Context, abbr string, status model.Status, progress int, message string) error {
	values := map[string]interface{}{
		"status":     string(status),
		"updated_at": strconv.FormatInt(model.NowMillis(), 10),
	}
	if progress >= 0 {
		values["progress"] = strconv.Itoa(progress)
	}
	if message != "" {
		if len(message) > 200 {
			message = message[:200]
		}
		values["progress_message"] = message
	}
	if err := s.rdb.HSet(ctx, modelKey(abbr), values).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "updating model status")
	}
	return nil
}

// UpdateModelFields patches arbitrary record fields.
func (s *Store) UpdateModelFields(ctx context.Context, abbr string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values["updated_at"] = strconv.FormatInt(model.NowMillis(), 10)
	if err := s.rdb.HSet(ctx, modelKey(abbr), values).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "updating model fields")
	}
	return nil
}

// DeleteModel removes the record and its GPU assignment key.
func (s *Store) DeleteModel(ctx context.Context, abbr string) error {
	deleted, err := s.rdb.Del(ctx, modelKey(abbr)).Result()
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "deleting model record")
	}
	if err := s.rdb.Del(ctx, gpuAssignmentPrefix+abbr).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "deleting gpu assignment")
	}
	if deleted == 0 {
		return errdefs.Newf(errdefs.KindNotFound, "model %s not found", abbr)
	}
	return nil
}

// FreePort returns the lowest port at or above the configured range start
// that no record has claimed.
func (s *Store) FreePort(ctx context.Context) (int, error) {
	records, err := s.ListModels(ctx)
	if err != nil {
		return 0, err
	}

	used := make(map[int]bool, len(records))
	for _, r := range records {
		if r.Port > 0 {
			used[r.Port] = true
		}
	}

	port := s.portRangeStart
	for used[port] {
		port++
	}
	return port, nil
}

// SaveAPIKey persists a key record under its hash.
func (s *Store) SaveAPIKey(ctx context.Context, rec *APIKeyRecord) error {
	values := map[string]interface{}{
		"prefix":       rec.Prefix,
		"name":         rec.Name,
		"description":  rec.Description,
		"created_at":   strconv.FormatInt(rec.CreatedAt, 10),
		"last_used_at": strconv.FormatInt(rec.LastUsedAt, 10),
	}
	if err := s.rdb.HSet(ctx, apiKeyPrefix+rec.Hash, values).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "writing api key")
	}
	return nil
}

// GetAPIKey reads a key record by hash.
func (s *Store) GetAPIKey(ctx context.Context, hash string) (*APIKeyRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, apiKeyPrefix+hash).Result()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "reading api key")
	}
	if len(fields) == 0 {
		return nil, errdefs.New(errdefs.KindNotFound, "api key not found")
	}
	return apiKeyFromFields(hash, fields), nil
}

// ListAPIKeys returns all key records sorted by creation time.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*APIKeyRecord, error) {
	var keys []*APIKeyRecord

	iter := s.rdb.Scan(ctx, 0, apiKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fields, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "reading api key")
		}
		if len(fields) == 0 {
			continue
		}
		keys = append(keys, apiKeyFromFields(iter.Val()[len(apiKeyPrefix):], fields))
	}
	if err := iter.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "scanning api keys")
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt < keys[j].CreatedAt })
	return keys, nil
}

// DeleteAPIKey removes a key record by hash.
func (s *Store) DeleteAPIKey(ctx context.Context, hash string) error {
	deleted, err := s.rdb.Del(ctx, apiKeyPrefix+hash).Result()
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "deleting api key")
	}
	if deleted == 0 {
		return errdefs.New(errdefs.KindNotFound, "api key not found")
	}
	return nil
}

// DeleteAPIKeyByPrefix removes the key whose display prefix matches. Exactly
// one match is required for deletion to proceed.
func (s *Store) DeleteAPIKeyByPrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListAPIKeys(ctx)
	if err != nil {
		return err
	}

	var match *APIKeyRecord
	for _, k := range keys {
		if k.Prefix == prefix {
			if match != nil {
				return errdefs.New(errdefs.KindConflict, "api key prefix is ambiguous")
			}
			match = k
		}
	}
	if match == nil {
		return errdefs.New(errdefs.KindNotFound, "api key not found")
	}
	return s.DeleteAPIKey(ctx, match.Hash)
}

// TouchAPIKey stamps last_used_at on a key record.
func (s *Store) TouchAPIKey(ctx context.Context, hash string, ts int64) error {
	return s.rdb.HSet(ctx, apiKeyPrefix+hash, "last_used_at", strconv.FormatInt(ts, 10)).Err()
}

func apiKeyFromFields(hash string, fields map[string]string) *APIKeyRecord {
	rec := &APIKeyRecord{
		Hash:        hash,
		Prefix:      fields["prefix"],
		Name:        fields["name"],
		Description: fields["description"],
	}
	rec.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	rec.LastUsedAt, _ = strconv.ParseInt(fields["last_used_at"], 10, 64)
	return rec
}
