// Package vault saves views that reference cached data and re-validates those
// references for every session that later opens them.
//
// A saved state keeps the descriptors behind its placeholders, never the right to
// read them. A session that wants to open a state re-submits each descriptor with
// its own credentials and receives its own keys; materializing swaps those keys
// into the template by position, so one session's keys never leak to another.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/capability"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/logger"
	"github.com/teranos/cachet/resolver"
)

// StateRecord is a saved template. Descriptors[i] produced Keys[i] for the saver,
// and the template's placeholders are exactly Keys. It is never modified.
type StateRecord struct {
	ID          string            `json:"id"`
	Origin      string            `json:"origin"`
	Template    json.RawMessage   `json:"template"`
	Descriptors []json.RawMessage `json:"descriptors"`
	Keys        []cache.Key       `json:"keys"`
	CreatedAt   time.Time         `json:"created_at"`
}

// AccessResult is the outcome of RequestAccess
type AccessResult struct {
	StateID string
	// Keys are the requesting session's keys in the state's ordinal order
	Keys []cache.Key
	// Ready is true when every job has already succeeded
	Ready bool
}

// Vault stores states in the metadata namespace shared with cache records
type Vault struct {
	meta   cache.MetadataStore
	orch   *cache.Orchestrator
	caps   capability.Store
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a vault. States live in the same MetadataStore as the
// orchestrator's records.
func New(orch *cache.Orchestrator, caps capability.Store, log *zap.SugaredLogger) *Vault {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Vault{
		meta:   orch.Records().Store(),
		orch:   orch,
		caps:   caps,
		logger: logger.AddStateSymbol(log.Named("vault")),
		now:    time.Now,
	}
}

// Save persists template and returns the new state id. The template must contain
// at least one placeholder and every placeholder must name an existing record from
// origin. Repeated placeholders are stored once, in first-occurrence order.
func (v *Vault) Save(ctx context.Context, origin string, template json.RawMessage) (string, error) {
	tree, err := decodeTemplate(template)
	if err != nil {
		return "", err
	}

	refs := resolver.Scan(tree)
	if len(refs) == 0 {
		return "", errors.WithHint(
			errors.NewInvalidRequestError("template contains no placeholders"),
			"a state without data references cannot be access-controlled")
	}

	state := &StateRecord{
		ID:        uuid.NewString(),
		Origin:    origin,
		Template:  template,
		CreatedAt: v.now().UTC(),
	}
	seen := make(map[cache.Key]bool, len(refs))
	for _, ref := range refs {
		if seen[ref.Key] {
			continue
		}
		seen[ref.Key] = true

		rec, _, err := v.orch.Records().Load(ctx, ref.Key)
		if err != nil {
			return "", errors.Wrapf(err, "placeholder %s", ref.Key.Short())
		}
		if rec.Origin != origin {
			return "", errors.NewInvalidRequestError("placeholder %s belongs to origin %q, not %q", ref.Key.Short(), rec.Origin, origin)
		}
		state.Descriptors = append(state.Descriptors, rec.Descriptor)
		state.Keys = append(state.Keys, ref.Key)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode state")
	}
	ok, err := v.meta.PutIfAbsent(ctx, cache.StatePrefix+state.ID, data)
	if err != nil {
		return "", errors.Wrap(err, "failed to save state")
	}
	if !ok {
		return "", errors.Wrapf(errors.ErrConflict, "state id %s already exists", state.ID)
	}

	v.logger.Infow("State saved",
		logger.FieldStateID, state.ID,
		logger.FieldOrigin, origin,
		logger.FieldCount, len(state.Keys))
	return state.ID, nil
}

// Load returns a saved state
func (v *Vault) Load(ctx context.Context, stateID string) (*StateRecord, error) {
	data, err := v.meta.Get(ctx, cache.StatePrefix+stateID)
	if errors.IsNotFoundError(err) {
		return nil, errors.NewNotFoundError("state %s", stateID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load state %s", stateID)
	}
	var state StateRecord
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "failed to decode state %s", stateID)
	}
	return &state, nil
}

// RequestAccess re-submits every descriptor of the state on behalf of session,
// with session's credentials. Entries the session already holds are reused; all
// resulting keys are granted to session and recorded as its mapping for the state.
func (v *Vault) RequestAccess(ctx context.Context, session, stateID string, caps capability.Set, credentials string) (AccessResult, error) {
	state, err := v.Load(ctx, stateID)
	if err != nil {
		return AccessResult{}, err
	}

	keys, err := v.orch.SubmitBatch(ctx, cache.BatchRequest{
		Origin:      state.Origin,
		Descriptors: state.Descriptors,
		Label:       "state " + state.ID,
		Credentials: credentials,
		Scope:       caps,
		Owner:       session,
	})
	if err != nil {
		return AccessResult{}, errors.Wrapf(err, "failed to re-submit state %s", stateID)
	}

	if err := v.caps.Grant(ctx, session, keys...); err != nil {
		return AccessResult{}, err
	}
	if err := v.caps.RecordAccess(ctx, session, stateID, keys); err != nil {
		return AccessResult{}, err
	}

	ready := true
	for _, k := range keys {
		st, err := v.orch.Status(ctx, k)
		if err != nil || st.State != cache.StateSuccess {
			ready = false
			break
		}
	}

	v.logger.Infow("State access granted",
		logger.FieldStateID, stateID,
		logger.FieldSession, session,
		logger.FieldCount, len(keys),
		"ready", ready)
	return AccessResult{StateID: stateID, Keys: keys, Ready: ready}, nil
}

// Materialize returns the state's template with each placeholder rewritten to the
// session's key at the same ordinal position. It requires a prior RequestAccess,
// refuses the whole state if any job failed, was revoked, expired or is unknown,
// and reports ErrNotReady while any job is pending.
func (v *Vault) Materialize(ctx context.Context, session, stateID string, caps capability.Set) (json.RawMessage, error) {
	state, err := v.Load(ctx, stateID)
	if err != nil {
		return nil, err
	}

	access, err := v.caps.Access(ctx, session, stateID)
	if errors.IsNotFoundError(err) {
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrAccessRefused, "session has not requested access to state %s", stateID),
			"request access to the state first")
	}
	if err != nil {
		return nil, err
	}
	if len(access) != len(state.Keys) {
		return nil, errors.Wrapf(errors.ErrAccessRefused, "access mapping for state %s has %d keys, state has %d",
			stateID, len(access), len(state.Keys))
	}

	for _, k := range access {
		if !caps.Contains(k) {
			return nil, errors.WithHint(
				errors.Wrapf(errors.ErrAccessRefused, "key %s is no longer granted", k.Short()),
				"request access to the state again")
		}
	}

	pending := 0
	for _, k := range access {
		st, err := v.orch.Status(ctx, k)
		if errors.IsNotFoundError(err) {
			return nil, errors.WithHint(
				errors.Wrapf(errors.ErrAccessRefused, "key %s has expired", k.Short()),
				"request access to the state again")
		}
		if err != nil {
			return nil, err
		}
		switch st.State {
		case cache.StateSuccess:
		case cache.StateSubmitted, cache.StateRunning:
			pending++
		default:
			return nil, errors.Wrapf(errors.ErrAccessRefused, "key %s is %s", k.Short(), st.State)
		}
	}
	if pending > 0 {
		return nil, errors.Wrapf(errors.ErrNotReady, "state %s: %d of %d extractions pending", stateID, pending, len(access))
	}

	position := make(map[cache.Key]int, len(state.Keys))
	for i, k := range state.Keys {
		position[k] = i
	}

	tree, err := decodeTemplate(state.Template)
	if err != nil {
		return nil, err
	}
	out, err := resolver.Rewrite(tree, func(ref resolver.Reference) (interface{}, error) {
		i, ok := position[ref.Key]
		if !ok {
			return nil, errors.NewInconsistentStateError("state %s references unrecorded key %s", stateID, ref.Key.Short())
		}
		ref.Key = access[i]
		return resolver.Format(ref), nil
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, errors.Wrap(err, "failed to encode materialized template")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// List returns every saved state id
func (v *Vault) List(ctx context.Context) ([]string, error) {
	names, err := v.meta.Keys(ctx, cache.StatePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list states")
	}
	ids := make([]string, len(names))
	for i, n := range names {
		ids[i] = n[len(cache.StatePrefix):]
	}
	return ids, nil
}

func decodeTemplate(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, errors.NewInvalidRequestError("template is not valid JSON: %v", err)
	}
	return tree, nil
}
