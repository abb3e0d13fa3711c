package resolver_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/capability"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/extract"
	cachettest "github.com/teranos/cachet/internal/testing"
	"github.com/teranos/cachet/resolver"
	"github.com/teranos/cachet/storage/content"
	"github.com/teranos/cachet/storage/metadata"
)

const people = `{"kind":"table","columns":["name","city"],"rows":[
	{"name":"ada","city":"london"},
	{"name":"grace","city":"new york"},
	{"name":"alan","city":"london"}]}`

type env struct {
	orch    *cache.Orchestrator
	res     *resolver.Resolver
	content *content.Store
	queue   *cachettest.Queue
}

func setup(t *testing.T) *env {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	e := &env{
		content: content.New(afero.NewMemMapFs(), "/content"),
		queue:   cachettest.NewQueue(),
	}
	e.orch = cache.NewOrchestrator(metadata.NewMemory(), e.content, e.queue, log)
	e.res = resolver.New(e.orch, log)
	return e
}

// extracted submits desc and drives its job to success with data
func (e *env) extracted(t *testing.T, desc string, data string) cache.Key {
	t.Helper()
	ctx := context.Background()
	k, err := e.orch.Submit(ctx, cache.Request{Origin: "crm", Descriptor: json.RawMessage(desc)})
	require.NoError(t, err)
	rec, _, err := e.orch.Records().Load(ctx, k)
	require.NoError(t, err)
	require.NoError(t, e.queue.Complete(ctx, e.content, rec.JobHandle, []byte(data), extract.KindTable))
	_, err = e.orch.Status(ctx, k)
	require.NoError(t, err)
	return k
}

func placeholder(k cache.Key) string { return "$" + string(k) + "$" }

func TestResolve_SubstitutesDataset(t *testing.T) {
	e := setup(t)
	k := e.extracted(t, `{"t":"people"}`, people)

	out, err := e.res.Resolve(context.Background(), capability.NewSet(k), map[string]interface{}{
		"input":  placeholder(k),
		"nested": []interface{}{map[string]interface{}{"again": placeholder(k)}},
		"mode":   "fast",
	})
	require.NoError(t, err)

	ds, ok := out["input"].(*extract.Dataset)
	require.True(t, ok)
	assert.Len(t, ds.Rows, 3)
	assert.Equal(t, "fast", out["mode"])

	nested := out["nested"].([]interface{})[0].(map[string]interface{})
	assert.IsType(t, &extract.Dataset{}, nested["again"])
}

func TestResolve_AppliesFilters(t *testing.T) {
	e := setup(t)
	k := e.extracted(t, `{"t":"people"}`, people)

	arg := `${"id":"` + string(k) + `","filters":{"city":["london"]}}$`
	out, err := e.res.Resolve(context.Background(), capability.NewSet(k), map[string]interface{}{"x": arg})
	require.NoError(t, err)

	ds := out["x"].(*extract.Dataset)
	require.Len(t, ds.Rows, 2)
	assert.Equal(t, "ada", ds.Rows[0]["name"])
	assert.Equal(t, "alan", ds.Rows[1]["name"])
}

func TestResolve_EmptyCapabilitySetAlwaysDenied(t *testing.T) {
	e := setup(t)
	existing := e.extracted(t, `{"t":"people"}`, people)
	missing := cache.Key(strings.Repeat("f", 64))

	for _, k := range []cache.Key{existing, missing} {
		_, err := e.res.Resolve(context.Background(), capability.NewSet(), map[string]interface{}{"x": placeholder(k)})
		assert.True(t, errors.IsPermissionDenied(err), "key %s", k.Short())
	}
}

func TestResolve_PermissionCheckedBeforeLoading(t *testing.T) {
	e := setup(t)
	granted := e.extracted(t, `{"t":"people"}`, people)
	foreign := e.extracted(t, `{"t":"other"}`, people)

	before, _, err := e.orch.Records().Load(context.Background(), granted)
	require.NoError(t, err)

	_, err = e.res.Resolve(context.Background(), capability.NewSet(granted), map[string]interface{}{
		"a": placeholder(granted),
		"b": placeholder(foreign),
	})
	assert.True(t, errors.IsPermissionDenied(err))

	after, _, err := e.orch.Records().Load(context.Background(), granted)
	require.NoError(t, err)
	assert.Equal(t, before.LastAccess, after.LastAccess, "nothing was loaded")
}

func TestResolve_NotReady(t *testing.T) {
	e := setup(t)
	k, err := e.orch.Submit(context.Background(), cache.Request{Origin: "crm", Descriptor: json.RawMessage(`{"t":"slow"}`)})
	require.NoError(t, err)

	_, err = e.res.Resolve(context.Background(), capability.NewSet(k), map[string]interface{}{"x": placeholder(k)})
	assert.True(t, errors.IsNotReady(err))
}

func TestResolve_PicksUpJobThatSettledUnreported(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k, err := e.orch.Submit(ctx, cache.Request{Origin: "crm", Descriptor: json.RawMessage(`{"t":"people"}`)})
	require.NoError(t, err)
	rec, _, err := e.orch.Records().Load(ctx, k)
	require.NoError(t, err)

	// The queue knows the job finished; the record was never told
	require.NoError(t, e.queue.Complete(ctx, e.content, rec.JobHandle, []byte(people), extract.KindTable))
	rec, _, err = e.orch.Records().Load(ctx, k)
	require.NoError(t, err)
	require.Equal(t, cache.StateSubmitted, rec.State)

	out, err := e.res.Resolve(ctx, capability.NewSet(k), map[string]interface{}{"x": placeholder(k)})
	require.NoError(t, err)
	ds, ok := out["x"].(*extract.Dataset)
	require.True(t, ok)
	assert.Len(t, ds.Rows, 3)

	rec, _, err = e.orch.Records().Load(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, cache.StateSuccess, rec.State)
}

func TestResolve_RunningJobThatVanishedIsNotReady(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k, err := e.orch.Submit(ctx, cache.Request{Origin: "crm", Descriptor: json.RawMessage(`{"t":"lost"}`)})
	require.NoError(t, err)
	_, err = e.orch.Records().Update(ctx, k, func(rec *cache.Record) (*cache.Record, error) {
		rec.State = cache.StateRunning
		rec.JobHandle = "job-gone"
		return rec, nil
	})
	require.NoError(t, err)

	_, err = e.res.Resolve(ctx, capability.NewSet(k), map[string]interface{}{"x": placeholder(k)})
	assert.True(t, errors.IsNotReady(err))
}

func TestResolve_JobFailed(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k, err := e.orch.Submit(ctx, cache.Request{Origin: "crm", Descriptor: json.RawMessage(`{"t":"bad"}`)})
	require.NoError(t, err)
	rec, _, _ := e.orch.Records().Load(ctx, k)
	e.queue.Fail(rec.JobHandle, "column age does not exist")
	_, err = e.orch.Status(ctx, k)
	require.NoError(t, err)

	_, err = e.res.Resolve(ctx, capability.NewSet(k), map[string]interface{}{"x": placeholder(k)})
	require.True(t, errors.Is(err, errors.ErrJobFailed))
	assert.Contains(t, err.Error(), "column age does not exist")
}

func TestResolve_MissingContentIsNotFound(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	k := e.extracted(t, `{"t":"people"}`, people)
	rec, _, _ := e.orch.Records().Load(ctx, k)
	require.NoError(t, e.content.Delete(ctx, rec.ContentHandle))

	_, err := e.res.Resolve(ctx, capability.NewSet(k), map[string]interface{}{"x": placeholder(k)})
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.Is(err, errors.ErrInconsistentState))
}

func TestResolve_ExpiredRecordIsNotFound(t *testing.T) {
	e := setup(t)
	k := e.extracted(t, `{"t":"people"}`, people)
	require.NoError(t, e.orch.Cancel(context.Background(), k))

	_, err := e.res.Resolve(context.Background(), capability.NewSet(k), map[string]interface{}{"x": placeholder(k)})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestResolve_LiteralsPassThrough(t *testing.T) {
	e := setup(t)
	args := map[string]interface{}{"price": "$5.00$", "broken": `${"id": oops}$`}
	out, err := e.res.Resolve(context.Background(), nil, args)
	require.NoError(t, err)
	assert.Equal(t, args, out)
}

func TestResolveJSON(t *testing.T) {
	e := setup(t)
	k := e.extracted(t, `{"t":"people"}`, people)

	out, err := e.res.ResolveJSON(context.Background(), capability.NewSet(k), []byte(`{"x":"`+placeholder(k)+`"}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"grace"`)

	_, err = e.res.ResolveJSON(context.Background(), capability.NewSet(k), []byte(`[1]`))
	assert.True(t, errors.IsInvalidRequestError(err))
}
