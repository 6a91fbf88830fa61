package mongo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// fakeCollection keeps documents as bson.M and honours unique indexes.
type fakeCollection struct {
	mu      sync.Mutex
	docs    []bson.M
	unique  [][]string
	indexes int
}

func (f *fakeCollection) FindOne(_ context.Context, filter bson.M, order bson.D) singleResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := f.match(filter, order)
	if len(matched) == 0 {
		return fakeResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeResult{doc: matched[0]}
}

func (f *fakeCollection) Find(_ context.Context, filter bson.M, order bson.D, skip, limit int64) (cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := f.match(filter, order)
	if skip >= int64(len(matched)) {
		return fakeCursor{}, nil
	}
	matched = matched[skip:]
	if limit > 0 && int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	return fakeCursor{docs: matched}, nil
}

func (f *fakeCollection) Upsert(_ context.Context, filter bson.M, doc any) error {
	m, err := toM(doc)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.docs {
		if matches(existing, filter) {
			f.docs[i] = m
			return nil
		}
	}
	f.docs = append(f.docs, m)
	return nil
}

func (f *fakeCollection) Insert(_ context.Context, doc any) error {
	m, err := toM(doc)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, keys := range f.unique {
		for _, existing := range f.docs {
			if sameKeys(existing, m, keys) {
				return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000, Message: "E11000 duplicate key error"}}}
			}
		}
	}
	f.docs = append(f.docs, m)
	return nil
}

func (f *fakeCollection) EnsureIndexes(_ context.Context, models []mongodriver.IndexModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, model := range models {
		f.indexes++
		if model.Options == nil {
			continue
		}
		var opts options.IndexOptions
		for _, apply := range model.Options.List() {
			if err := apply(&opts); err != nil {
				return err
			}
		}
		if opts.Unique == nil || !*opts.Unique {
			continue
		}
		var keys []string
		for _, e := range model.Keys.(bson.D) {
			keys = append(keys, e.Key)
		}
		f.unique = append(f.unique, keys)
	}
	return nil
}

func (f *fakeCollection) match(filter bson.M, order bson.D) []bson.M {
	var out []bson.M
	for _, doc := range f.docs {
		if matches(doc, filter) {
			out = append(out, doc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, e := range order {
			c := compare(out[i][e.Key], out[j][e.Key])
			if c == 0 {
				continue
			}
			if e.Value.(int) < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out
}

func matches(doc, filter bson.M) bool {
	for k, v := range filter {
		if fmt.Sprint(doc[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func sameKeys(a, b bson.M, keys []string) bool {
	for _, k := range keys {
		if compare(a[k], b[k]) != 0 {
			return false
		}
	}
	return true
}

func compare(a, b any) int {
	switch x := a.(type) {
	case int32:
		return cmpInt(int64(x), asInt(b))
	case int64:
		return cmpInt(x, asInt(b))
	case bson.DateTime:
		return cmpInt(int64(x), asInt(b))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case int64:
		return x
	case bson.DateTime:
		return int64(x)
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toM(doc any) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m bson.M
	return m, bson.Unmarshal(raw, &m)
}

type fakeResult struct {
	doc bson.M
	err error
}

func (r fakeResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	raw, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

type fakeCursor struct {
	docs []bson.M
}

func (c fakeCursor) All(_ context.Context, results any) error {
	slice := reflect.ValueOf(results).Elem()
	for _, doc := range c.docs {
		elem := reflect.New(slice.Type().Elem())
		if err := (fakeResult{doc: doc}).Decode(elem.Interface()); err != nil {
			return err
		}
		slice.Set(reflect.Append(slice, elem.Elem()))
	}
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeCollection, *fakeCollection) {
	t.Helper()
	runs, checkpoints := &fakeCollection{}, &fakeCollection{}
	s := newWithCollections(runs, checkpoints, time.Second, nil)
	require.NoError(t, s.ensureIndexes(context.Background()))
	return s, runs, checkpoints
}

func TestEnsureIndexes(t *testing.T) {
	_, runs, checkpoints := newTestStore(t)
	assert.Equal(t, 2, runs.indexes)
	assert.Equal(t, [][]string{{"run_id"}}, runs.unique)
	assert.Equal(t, [][]string{{"run_id", "seq"}}, checkpoints.unique)
}

func TestSaveLoadAndListRuns(t *testing.T) {
	s, runs, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		created := base.Add(time.Duration(i) * time.Second)
		status := state.StatusCompleted
		if id == "r2" {
			status = state.StatusSuspended
		}
		require.NoError(t, s.SaveRun(ctx, state.RunRecord{
			RunID:        id,
			SessionID:    "sess",
			Workflow:     "approve",
			Status:       status,
			Messages:     []*types.Message{types.UserMessage("hi " + id)},
			PendingHooks: []state.PendingHook{{HookID: "approve-1", HookType: "approval"}},
			CreatedAt:    &created,
		}))
	}

	run, err := s.LoadRun(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, state.StatusSuspended, run.Status)
	assert.Equal(t, "hi r2", run.Messages[0].Text())
	require.Len(t, run.PendingHooks, 1)

	run.Status = state.StatusCompleted
	run.PendingHooks = nil
	require.NoError(t, s.SaveRun(ctx, run))
	assert.Len(t, runs.docs, 3, "saving an existing run replaces its document")

	list, err := s.ListRuns(ctx, state.ListRunsQuery{SessionID: "sess", Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r3", list[0].RunID)
	assert.Equal(t, "r2", list[1].RunID)

	list, err = s.ListRuns(ctx, state.ListRunsQuery{Status: state.StatusCompleted, Offset: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].RunID)

	_, err = s.LoadRun(ctx, "missing")
	require.ErrorIs(t, err, state.ErrNotFound)
	require.Error(t, s.SaveRun(ctx, state.RunRecord{RunID: "no-session"}))
}

func TestCheckpoints(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	cp := checkpoint.New()
	require.NoError(t, cp.CancelHook("approve-1", "approval"))
	raw, err := cp.Marshal()
	require.NoError(t, err)
	fp, err := cp.Fingerprint()
	require.NoError(t, err)

	for seq := 1; seq <= 3; seq++ {
		next, err := state.NextSeq(ctx, s, "r1")
		require.NoError(t, err)
		require.Equal(t, seq, next)
		require.NoError(t, s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "r1", Seq: next, Status: state.StatusSuspended, Checkpoint: raw, Fingerprint: fp}))
	}

	err = s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "r1", Seq: 3, Checkpoint: raw})
	require.True(t, errors.Is(err, state.ErrConflict), "got %v", err)
	require.Error(t, s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: "r1", Seq: 4, Checkpoint: []byte("nope")}))

	latest, err := s.LoadLatestCheckpoint(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Seq)
	assert.Equal(t, fp, latest.Fingerprint)

	restored, err := checkpoint.Unmarshal(latest.Checkpoint)
	require.NoError(t, err)
	rec, ok := restored.Hook("approve-1")
	require.True(t, ok)
	assert.Equal(t, types.HookCancelled, rec.Status)

	list, err := s.ListCheckpoints(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []int{3, 2}, []int{list[0].Seq, list[1].Seq})

	_, err = s.LoadLatestCheckpoint(ctx, "other")
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(context.Background(), Options{Database: "x"})
	require.Error(t, err)
}
