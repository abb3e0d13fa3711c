// Package session is the API controllers call on behalf of one session.
//
// Every read goes through the session's capability set: keys are granted by
// submitting descriptors or by requesting access to a saved state, and nothing
// else makes a key readable.
package session

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/capability"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/logger"
	"github.com/teranos/cachet/resolver"
	"github.com/teranos/cachet/vault"
)

// SubmitRequest asks for one or more extractions from the same origin
type SubmitRequest struct {
	Origin      string
	Descriptors []json.RawMessage
	Label       string
	Credentials string
}

// Service ties the orchestrator, capability store, resolver and vault together
type Service struct {
	orch     *cache.Orchestrator
	caps     capability.Store
	resolver *resolver.Resolver
	vault    *vault.Vault
	wait     cache.WaitOptions
	logger   *zap.SugaredLogger
}

// Option configures a Service
type Option func(*Service)

// WithWaitOptions sets the polling used when a caller asks to wait
func WithWaitOptions(opts cache.WaitOptions) Option {
	return func(s *Service) { s.wait = opts }
}

// New creates a service over the given components
func New(orch *cache.Orchestrator, caps capability.Store, res *resolver.Resolver, v *vault.Vault, log *zap.SugaredLogger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Service{
		orch:     orch,
		caps:     caps,
		resolver: res,
		vault:    v,
		wait:     cache.DefaultWaitOptions(),
		logger:   logger.AddGrantSymbol(log.Named("session")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit schedules the extractions and grants the resulting keys to session.
// Equivalent descriptors within the batch share a key, and so do descriptors
// session submitted before. Another session's entry is never reused: its data
// was fetched with that session's credentials.
func (s *Service) Submit(ctx context.Context, session string, req SubmitRequest) ([]cache.Key, error) {
	caps, err := s.capabilities(ctx, session)
	if err != nil {
		return nil, err
	}
	keys, err := s.orch.SubmitBatch(ctx, cache.BatchRequest{
		Origin:      req.Origin,
		Descriptors: req.Descriptors,
		Label:       req.Label,
		Credentials: req.Credentials,
		Scope:       caps,
		Owner:       session,
	})
	if err != nil {
		return nil, err
	}
	if err := s.caps.Grant(ctx, session, keys...); err != nil {
		return nil, errors.Wrap(err, "extractions submitted but not granted")
	}

	s.logger.Infow("Keys granted",
		logger.FieldSession, session,
		logger.FieldOrigin, req.Origin,
		logger.FieldCount, len(keys))
	return keys, nil
}

// Status reports each key's state. Every key must be granted to session; one
// foreign key fails the call before any record is read. Keys whose record has
// expired report StateUnknown. With wait, each key is polled until it settles
// or the wait options time out.
func (s *Service) Status(ctx context.Context, session string, keys []cache.Key, wait bool) (map[cache.Key]cache.Status, error) {
	caps, err := s.capabilities(ctx, session)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if !caps.Contains(k) {
			return nil, errors.NewPermissionDeniedError(k.Short())
		}
	}

	out := make(map[cache.Key]cache.Status, len(keys))
	for _, k := range keys {
		var st cache.Status
		if wait {
			st, err = s.orch.Wait(ctx, k, s.wait)
			if errors.IsNotReady(err) {
				err = nil
				if st.State == "" {
					// The wait ran out before the first poll; report what is stored
					st, err = s.orch.Status(context.WithoutCancel(ctx), k)
				}
			}
		} else {
			st, err = s.orch.Status(ctx, k)
		}
		if errors.IsNotFoundError(err) {
			st, err = cache.Status{Key: k, State: cache.StateUnknown, Error: "expired"}, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "status of %s", k.Short())
		}
		out[k] = st
	}
	return out, nil
}

// Delete drops session's grant for key. When session owns the entry its job is
// revoked if still pending and its record and content are deleted too; an entry
// extracted for someone else is left to its owner and the janitor. A key that
// has already expired only loses its grant.
func (s *Service) Delete(ctx context.Context, session string, key cache.Key) error {
	if err := requireSession(session); err != nil {
		return err
	}
	ok, err := s.caps.Has(ctx, session, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewPermissionDeniedError(key.Short())
	}

	rec, _, err := s.orch.Records().Load(ctx, key)
	switch {
	case errors.IsNotFoundError(err):
	case err != nil:
		return err
	case rec.Owner == session:
		if err := s.orch.Cancel(ctx, key); err != nil && !errors.IsNotFoundError(err) {
			return err
		}
	}
	if err := s.caps.Revoke(ctx, session, key); err != nil {
		return err
	}
	s.logger.Infow("Key deleted", logger.FieldSession, session, logger.FieldCacheKey, key.Short())
	return nil
}

// Keys lists the keys granted to session
func (s *Service) Keys(ctx context.Context, session string) ([]cache.Key, error) {
	if err := requireSession(session); err != nil {
		return nil, err
	}
	return s.caps.List(ctx, session)
}

// Resolve substitutes the datasets behind every placeholder in args
func (s *Service) Resolve(ctx context.Context, session string, args map[string]interface{}) (map[string]interface{}, error) {
	caps, err := s.capabilities(ctx, session)
	if err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, caps, args)
}

// ResolveJSON is Resolve for a JSON object
func (s *Service) ResolveJSON(ctx context.Context, session string, raw []byte) ([]byte, error) {
	caps, err := s.capabilities(ctx, session)
	if err != nil {
		return nil, err
	}
	return s.resolver.ResolveJSON(ctx, caps, raw)
}

// SaveState stores template as a state. Every key it references must be
// granted to session, so a session cannot launder keys it was never given.
func (s *Service) SaveState(ctx context.Context, session, origin string, template json.RawMessage) (string, error) {
	caps, err := s.capabilities(ctx, session)
	if err != nil {
		return "", err
	}

	dec := json.NewDecoder(bytes.NewReader(template))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return "", errors.NewInvalidRequestError("template is not valid JSON: %v", err)
	}
	for _, ref := range resolver.Scan(tree) {
		if !caps.Contains(ref.Key) {
			return "", errors.NewPermissionDeniedError(ref.Key.Short())
		}
	}

	id, err := s.vault.Save(ctx, origin, template)
	if err != nil {
		return "", err
	}
	s.logger.Infow("State saved for session", logger.FieldSession, session, logger.FieldStateID, id)
	return id, nil
}

// RequestAccess re-submits the state's descriptors with session's credentials
// and grants the resulting keys. It reports whether every extraction has
// already succeeded.
func (s *Service) RequestAccess(ctx context.Context, session, stateID, credentials string) (bool, error) {
	caps, err := s.capabilities(ctx, session)
	if err != nil {
		return false, err
	}
	res, err := s.vault.RequestAccess(ctx, session, stateID, caps, credentials)
	if err != nil {
		return false, err
	}
	return res.Ready, nil
}

// Materialize returns the state's template rewritten to session's keys. With
// wait it polls while extractions are pending.
func (s *Service) Materialize(ctx context.Context, session, stateID string, wait bool) (json.RawMessage, error) {
	caps, err := s.capabilities(ctx, session)
	if err != nil {
		return nil, err
	}
	if !wait {
		return s.vault.Materialize(ctx, session, stateID, caps)
	}

	b := backoff.NewExponentialBackOff()
	if s.wait.InitialInterval > 0 {
		b.InitialInterval = s.wait.InitialInterval
	}
	if s.wait.MaxInterval > 0 {
		b.MaxInterval = s.wait.MaxInterval
	}
	b.MaxElapsedTime = s.wait.Timeout

	var out json.RawMessage
	err = backoff.Retry(func() error {
		var err error
		out, err = s.vault.Materialize(ctx, session, stateID, caps)
		if err == nil || errors.IsNotReady(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// States lists every saved state id. State ids are shared: anyone holding one
// may request access.
func (s *Service) States(ctx context.Context) ([]string, error) {
	return s.vault.List(ctx)
}

func (s *Service) capabilities(ctx context.Context, session string) (capability.Set, error) {
	if err := requireSession(session); err != nil {
		return nil, err
	}
	return capability.Load(ctx, s.caps, session)
}

func requireSession(session string) error {
	if session == "" {
		return errors.NewInvalidRequestError("session id is required")
	}
	return nil
}
