package session_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/capability"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/extract"
	cachettest "github.com/teranos/cachet/internal/testing"
	"github.com/teranos/cachet/janitor"
	"github.com/teranos/cachet/resolver"
	"github.com/teranos/cachet/session"
	"github.com/teranos/cachet/storage/content"
	"github.com/teranos/cachet/storage/metadata"
	"github.com/teranos/cachet/vault"
)

const ages = `{"kind":"numerical","columns":["age"],"rows":[{"age":36},{"age":45},{"age":72}]}`

type env struct {
	svc     *session.Service
	orch    *cache.Orchestrator
	caps    *capability.Memory
	content *content.Store
	queue   *cachettest.Queue
}

func setup(t *testing.T) *env {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	e := &env{
		content: content.New(afero.NewMemMapFs(), "/content"),
		queue:   cachettest.NewQueue(),
		caps:    capability.NewMemory(),
	}
	e.orch = cache.NewOrchestrator(metadata.NewMemory(), e.content, e.queue, log)
	e.svc = session.New(e.orch, e.caps,
		resolver.New(e.orch, log),
		vault.New(e.orch, e.caps, log),
		log,
		session.WithWaitOptions(cache.WaitOptions{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Timeout:         2 * time.Second,
		}))
	return e
}

func (e *env) submit(t *testing.T, sess string, descs ...string) []cache.Key {
	t.Helper()
	raw := make([]json.RawMessage, len(descs))
	for i, d := range descs {
		raw[i] = json.RawMessage(d)
	}
	keys, err := e.svc.Submit(context.Background(), sess, session.SubmitRequest{Origin: "survey", Descriptors: raw, Credentials: sess})
	require.NoError(t, err)
	return keys
}

func (e *env) jobOf(t *testing.T, k cache.Key) string {
	t.Helper()
	rec, err := e.orch.Records().Touch(context.Background(), k)
	require.NoError(t, err)
	return rec.JobHandle
}

func (e *env) succeed(t *testing.T, k cache.Key) {
	t.Helper()
	require.NoError(t, e.queue.Complete(context.Background(), e.content, e.jobOf(t, k), []byte(ages), extract.KindNumerical))
}

func placeholder(k cache.Key) string { return "$" + string(k) + "$" }

func TestSubmitGrantsKeys(t *testing.T) {
	e := setup(t)
	keys := e.submit(t, "alice", `{"field":"age"}`, `{"field":"city"}`, `{"field":"age"}`)

	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[2], "repeated descriptors share a key")
	assert.Equal(t, 2, e.queue.Len())

	granted, err := e.svc.Keys(context.Background(), "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []cache.Key{keys[0], keys[1]}, granted)

	other, err := e.svc.Keys(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSubmitNeverReusesAnotherSessionsEntry(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	ka := e.submit(t, "alice", `{"field":"age"}`)[0]
	e.succeed(t, ka)

	kb := e.submit(t, "bob", `{"field":"age"}`)[0]
	assert.NotEqual(t, ka, kb, "bob's data must be fetched with bob's credentials")
	assert.Equal(t, 2, e.queue.Len())
	qt, ok := e.queue.Task(e.jobOf(t, kb))
	require.True(t, ok)
	assert.Equal(t, "bob", qt.Task.Credentials)

	again := e.submit(t, "alice", `{"field":"age"}`)[0]
	assert.Equal(t, ka, again, "a session reuses its own entry")
	assert.Equal(t, 2, e.queue.Len())

	_, err := e.svc.Resolve(ctx, "bob", map[string]interface{}{"x": placeholder(ka)})
	assert.True(t, errors.IsPermissionDenied(err))

	require.NoError(t, e.svc.Delete(ctx, "bob", kb))
	out, err := e.svc.Resolve(ctx, "alice", map[string]interface{}{"x": placeholder(ka)})
	require.NoError(t, err, "bob deleting his entry leaves alice's alone")
	assert.Len(t, out["x"].(*extract.Dataset).Rows, 3)
}

func TestSubmitRequiresSession(t *testing.T) {
	e := setup(t)
	_, err := e.svc.Submit(context.Background(), "", session.SubmitRequest{Origin: "survey", Descriptors: []json.RawMessage{json.RawMessage(`{}`)}})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStatusRefusesForeignKeys(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	mine := e.submit(t, "alice", `{"field":"age"}`)[0]
	theirs := e.submit(t, "bob", `{"field":"city"}`)[0]

	_, err := e.svc.Status(ctx, "alice", []cache.Key{mine, theirs}, false)
	assert.True(t, errors.IsPermissionDenied(err))

	st, err := e.svc.Status(ctx, "alice", []cache.Key{mine}, false)
	require.NoError(t, err)
	assert.Equal(t, cache.StateSubmitted, st[mine].State)
}

func TestStatusWaitsForCompletion(t *testing.T) {
	e := setup(t)
	k := e.submit(t, "alice", `{"field":"age"}`)[0]
	job := e.jobOf(t, k)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = e.queue.Complete(context.Background(), e.content, job, []byte(ages), extract.KindNumerical)
	}()

	st, err := e.svc.Status(context.Background(), "alice", []cache.Key{k}, true)
	require.NoError(t, err)
	assert.Equal(t, cache.StateSuccess, st[k].State)
	assert.Equal(t, extract.KindNumerical, st[k].ProducedKind)
}

func TestStatusReportsExpiredKeysAsUnknown(t *testing.T) {
	e := setup(t)
	k := e.submit(t, "alice", `{"field":"age"}`)[0]
	require.NoError(t, e.orch.Cancel(context.Background(), k))

	st, err := e.svc.Status(context.Background(), "alice", []cache.Key{k}, false)
	require.NoError(t, err)
	assert.Equal(t, cache.StateUnknown, st[k].State)
}

func TestDelete(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k := e.submit(t, "alice", `{"field":"age"}`)[0]
	job := e.jobOf(t, k)

	err := e.svc.Delete(ctx, "bob", k)
	assert.True(t, errors.IsPermissionDenied(err), "only a holder may delete")

	require.NoError(t, e.svc.Delete(ctx, "alice", k))

	qt, ok := e.queue.Task(job)
	require.True(t, ok)
	assert.Equal(t, cache.StateRevoked, qt.Status.State, "pending job is revoked")

	_, _, err = e.orch.Records().Load(ctx, k)
	assert.True(t, errors.IsNotFoundError(err))

	has, err := e.caps.Has(ctx, "alice", k)
	require.NoError(t, err)
	assert.False(t, has)

	err = e.svc.Delete(ctx, "alice", k)
	assert.True(t, errors.IsPermissionDenied(err))
}

func TestDeleteOnlyDropsGrantForEntriesOwnedByOthers(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k := e.submit(t, "alice", `{"field":"age"}`)[0]
	e.succeed(t, k)
	require.NoError(t, e.caps.Grant(ctx, "carol", k))

	require.NoError(t, e.svc.Delete(ctx, "carol", k))

	has, err := e.caps.Has(ctx, "carol", k)
	require.NoError(t, err)
	assert.False(t, has)
	_, _, err = e.orch.Records().Load(ctx, k)
	require.NoError(t, err, "the record belongs to alice")
	_, err = e.svc.Resolve(ctx, "alice", map[string]interface{}{"x": placeholder(k)})
	assert.NoError(t, err)
}

func TestDanglingGrantNeverSeesNewExtraction(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	jan := janitor.New(e.orch.Records(), e.content, e.queue, janitor.Config{TTL: time.Hour}, log)

	old := e.submit(t, "alice", `{"field":"age"}`)[0]
	e.succeed(t, old)
	require.NoError(t, e.orch.Cancel(ctx, old))
	_, err := jan.Run(ctx)
	require.NoError(t, err)

	fresh := e.submit(t, "bob", `{"field":"age"}`)[0]
	assert.NotEqual(t, old, fresh, "an issued key is never issued again")
	e.succeed(t, fresh)

	_, err = e.svc.Resolve(ctx, "alice", map[string]interface{}{"x": placeholder(old)})
	assert.True(t, errors.IsNotFoundError(err), "alice's grant dangles")

	mine := e.submit(t, "alice", `{"field":"age"}`)[0]
	assert.NotEqual(t, old, mine)
	assert.NotEqual(t, fresh, mine)
}

func TestDeleteExpiredKeyDropsGrant(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k := e.submit(t, "alice", `{"field":"age"}`)[0]
	e.succeed(t, k)
	require.NoError(t, e.orch.Cancel(ctx, k))

	require.NoError(t, e.svc.Delete(ctx, "alice", k))
	keys, err := e.svc.Keys(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestResolve(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k := e.submit(t, "alice", `{"field":"age"}`)[0]
	e.succeed(t, k)

	out, err := e.svc.Resolve(ctx, "alice", map[string]interface{}{"x": placeholder(k)})
	require.NoError(t, err)
	ds, ok := out["x"].(*extract.Dataset)
	require.True(t, ok)
	assert.Len(t, ds.Rows, 3)

	_, err = e.svc.Resolve(ctx, "bob", map[string]interface{}{"x": placeholder(k)})
	assert.True(t, errors.IsPermissionDenied(err))

	raw, err := e.svc.ResolveJSON(ctx, "alice", []byte(`{"x":"$`+string(k)+`$"}`))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"rows"`)
}

func TestSaveStateRequiresGrants(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	theirs := e.submit(t, "bob", `{"field":"age"}`)[0]

	_, err := e.svc.SaveState(ctx, "alice", "survey", json.RawMessage(`{"x":"`+placeholder(theirs)+`"}`))
	assert.True(t, errors.IsPermissionDenied(err))

	_, err = e.svc.SaveState(ctx, "alice", "survey", json.RawMessage(`{"x":`))
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStateSharedWithAnotherSession(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k1 := e.submit(t, "alice", `{"field":"age"}`)[0]
	e.succeed(t, k1)

	stateID, err := e.svc.SaveState(ctx, "alice", "survey", json.RawMessage(`{"x":"`+placeholder(k1)+`","n":3}`))
	require.NoError(t, err)

	_, err = e.svc.Materialize(ctx, "bob", stateID, false)
	assert.True(t, errors.Is(err, errors.ErrAccessRefused), "access must be requested first")

	ready, err := e.svc.RequestAccess(ctx, "bob", stateID, "bob-token")
	require.NoError(t, err)
	assert.False(t, ready)

	bobKeys, err := e.svc.Keys(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobKeys, 1)
	k2 := bobKeys[0]
	assert.NotEqual(t, k1, k2, "bob gets his own entry")

	qt, ok := e.queue.Task(e.jobOf(t, k2))
	require.True(t, ok)
	assert.Equal(t, "bob-token", qt.Task.Credentials)

	_, err = e.svc.Materialize(ctx, "bob", stateID, false)
	assert.True(t, errors.IsNotReady(err))

	job := e.jobOf(t, k2)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = e.queue.Complete(context.Background(), e.content, job, []byte(ages), extract.KindNumerical)
	}()

	out, err := e.svc.Materialize(ctx, "bob", stateID, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"`+placeholder(k2)+`","n":3}`, string(out))

	_, err = e.svc.Resolve(ctx, "bob", map[string]interface{}{"x": placeholder(k1)})
	assert.True(t, errors.IsPermissionDenied(err), "the saver's key is never granted to bob")
}
