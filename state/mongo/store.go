// Package mongo stores run records and checkpoints in MongoDB.
//
// Runs are kept one document per run, upserted on every save, with the full
// record JSON-encoded next to the indexed fields. Checkpoints are append-only
// and guarded by a unique (run_id, seq) index.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/state"
)

const (
	defaultRunsCollection        = "agent_runs"
	defaultCheckpointsCollection = "agent_checkpoints"
	defaultOpTimeout             = 5 * time.Second
	defaultLimit                 = 50
)

var _ state.Store = (*Store)(nil)

type Options struct {
	Client                *mongodriver.Client
	Database              string
	RunsCollection        string
	CheckpointsCollection string
	Timeout               time.Duration
	Logger                *zap.Logger
}

type Store struct {
	client      *mongodriver.Client
	ownsClient  bool
	runs        collection
	checkpoints collection
	timeout     time.Duration
	logger      *zap.Logger
}

// New wraps an existing client. The caller owns the client; Close does not
// disconnect it.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsName := opts.RunsCollection
	if runsName == "" {
		runsName = defaultRunsCollection
	}
	checkpointsName := opts.CheckpointsCollection
	if checkpointsName == "" {
		checkpointsName = defaultCheckpointsCollection
	}
	db := opts.Client.Database(opts.Database)
	s := newWithCollections(
		mongoCollection{coll: db.Collection(runsName)},
		mongoCollection{coll: db.Collection(checkpointsName)},
		opts.Timeout,
		opts.Logger,
	)
	s.client = opts.Client
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect dials uri and returns a store that disconnects on Close.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	s, err := New(ctx, Options{Client: client, Database: database, Logger: logger})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

func newWithCollections(runs, checkpoints collection, timeout time.Duration, logger *zap.Logger) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		runs:        runs,
		checkpoints: checkpoints,
		timeout:     timeout,
		logger:      logger.With(zap.String("component", "mongo-store")),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) SaveRun(ctx context.Context, run state.RunRecord) error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if run.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.Workflow == "" {
		run.Workflow = "unknown"
	}
	if run.Status == "" {
		run.Status = state.StatusRunning
	}
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	doc := runDocument{
		RunID:     run.RunID,
		SessionID: run.SessionID,
		Workflow:  run.Workflow,
		Status:    run.Status,
		CreatedAt: run.CreatedAt.UTC(),
		UpdatedAt: run.UpdatedAt.UTC(),
		Record:    string(raw),
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.runs.Upsert(ctx, bson.M{"run_id": run.RunID}, doc); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"run_id": runID}, nil).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return state.RunRecord{}, state.ErrNotFound
		}
		return state.RunRecord{}, fmt.Errorf("failed to load run: %w", err)
	}
	return doc.toRun()
}

func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := max(query.Offset, 0)
	filter := bson.M{}
	if query.SessionID != "" {
		filter["session_id"] = query.SessionID
	}
	if query.Status != "" {
		filter["status"] = query.Status
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, filter, bson.D{{Key: "created_at", Value: -1}}, int64(offset), int64(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode runs: %w", err)
	}
	out := make([]state.RunRecord, 0, len(docs))
	for _, doc := range docs {
		run, err := doc.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if len(checkpoint.Checkpoint) == 0 || !json.Valid(checkpoint.Checkpoint) {
		return fmt.Errorf("checkpoint payload must be valid JSON")
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	doc := checkpointDocument{
		RunID:       checkpoint.RunID,
		Seq:         int64(checkpoint.Seq),
		Status:      checkpoint.Status,
		Checkpoint:  string(checkpoint.Checkpoint),
		Fingerprint: checkpoint.Fingerprint,
		CreatedAt:   checkpoint.CreatedAt.UTC(),
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.checkpoints.Insert(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("checkpoint %s/%d: %w", checkpoint.RunID, checkpoint.Seq, state.ErrConflict)
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, runID string) (state.CheckpointRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc checkpointDocument
	err := s.checkpoints.FindOne(ctx, bson.M{"run_id": runID}, bson.D{{Key: "seq", Value: -1}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return doc.toRecord(), nil
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.checkpoints.Find(ctx, bson.M{"run_id": runID}, bson.D{{Key: "seq", Value: -1}}, 0, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var docs []checkpointDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	out := make([]state.CheckpointRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toRecord())
	}
	return out, nil
}

func (s *Store) Close() error {
	if !s.ownsClient || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.runs.EnsureIndexes(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("create run indexes: %w", err)
	}
	if err := s.checkpoints.EnsureIndexes(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return fmt.Errorf("create checkpoint indexes: %w", err)
	}
	s.logger.Debug("indexes ensured")
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

type runDocument struct {
	RunID     string    `bson:"run_id"`
	SessionID string    `bson:"session_id"`
	Workflow  string    `bson:"workflow"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Record    string    `bson:"record"`
}

func (doc runDocument) toRun() (state.RunRecord, error) {
	var run state.RunRecord
	if err := json.Unmarshal([]byte(doc.Record), &run); err != nil {
		return state.RunRecord{}, fmt.Errorf("failed to decode run %s: %w", doc.RunID, err)
	}
	return run, nil
}

type checkpointDocument struct {
	RunID       string    `bson:"run_id"`
	Seq         int64     `bson:"seq"`
	Status      string    `bson:"status"`
	Checkpoint  string    `bson:"checkpoint"`
	Fingerprint string    `bson:"fingerprint,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
}

func (doc checkpointDocument) toRecord() state.CheckpointRecord {
	return state.CheckpointRecord{
		RunID:       doc.RunID,
		Seq:         int(doc.Seq),
		Status:      doc.Status,
		Checkpoint:  json.RawMessage(doc.Checkpoint),
		Fingerprint: doc.Fingerprint,
		CreatedAt:   doc.CreatedAt.UTC(),
	}
}

// collection is the slice of the driver the store uses.
type collection interface {
	FindOne(ctx context.Context, filter bson.M, sort bson.D) singleResult
	Find(ctx context.Context, filter bson.M, sort bson.D, skip, limit int64) (cursor, error)
	Upsert(ctx context.Context, filter bson.M, doc any) error
	Insert(ctx context.Context, doc any) error
	EnsureIndexes(ctx context.Context, models []mongodriver.IndexModel) error
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter bson.M, sort bson.D) singleResult {
	opts := options.FindOne()
	if len(sort) > 0 {
		opts.SetSort(sort)
	}
	return c.coll.FindOne(ctx, filter, opts)
}

func (c mongoCollection) Find(ctx context.Context, filter bson.M, sort bson.D, skip, limit int64) (cursor, error) {
	opts := options.Find().SetSkip(skip).SetLimit(limit)
	if len(sort) > 0 {
		opts.SetSort(sort)
	}
	return c.coll.Find(ctx, filter, opts)
}

func (c mongoCollection) Upsert(ctx context.Context, filter bson.M, doc any) error {
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c mongoCollection) Insert(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) EnsureIndexes(ctx context.Context, models []mongodriver.IndexModel) error {
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return err
}
