// Package extract runs extraction jobs: it routes a cache task to the backend
// registered for its (origin, kind), stores the resulting dataset and reports
// back to the orchestrator.
package extract

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/internal/httpclient"
)

// Tag identifies a backend. An empty Kind matches every kind of the origin.
type Tag struct {
	Origin string
	Kind   string
}

func (t Tag) String() string {
	if t.Kind == "" {
		return t.Origin + "/*"
	}
	return t.Origin + "/" + t.Kind
}

// Request is what a backend receives for one extraction
type Request struct {
	Origin      string
	Kind        string // Requested kind, may be empty
	Descriptor  json.RawMessage
	Credentials string
	Label       string
}

// Backend fetches one dataset
type Backend interface {
	Fetch(ctx context.Context, req Request) (*Dataset, error)
}

// Env carries what constructors may need
type Env struct {
	HTTP    *httpclient.SaferClient
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// Constructor builds a backend once, on first use
type Constructor func(env Env) (Backend, error)

// Registry maps tags to backends
type Registry struct {
	env      Env
	mu       sync.Mutex
	ctors    map[Tag]Constructor
	backends map[Tag]Backend
}

// NewRegistry creates an empty registry whose constructors receive env
func NewRegistry(env Env) *Registry {
	return &Registry{
		env:      env,
		ctors:    make(map[Tag]Constructor),
		backends: make(map[Tag]Backend),
	}
}

// Register adds a constructor for tag.
// Panics if the tag is already registered.
func (r *Registry) Register(tag Tag, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ctors[tag]; exists {
		panic("extract backend already registered for " + tag.String())
	}
	r.ctors[tag] = ctor
}

// Lookup returns the backend for tag, falling back to the origin-wide
// registration when no kind-specific one exists.
func (r *Registry) Lookup(tag Tag) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := []Tag{tag}
	if tag.Kind != "" {
		candidates = append(candidates, Tag{Origin: tag.Origin})
	}
	for _, t := range candidates {
		if b, ok := r.backends[t]; ok {
			return b, nil
		}
		ctor, ok := r.ctors[t]
		if !ok {
			continue
		}
		b, err := ctor(r.env)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to construct backend %s", t)
		}
		r.backends[t] = b
		return b, nil
	}

	err := errors.NewNotFoundError("no extraction backend for %s", tag)
	return nil, errors.WithHintf(err, "registered backends: %s", strings.Join(r.tagsLocked(), ", "))
}

// Tags lists registrations, sorted
func (r *Registry) Tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tagsLocked()
}

func (r *Registry) tagsLocked() []string {
	tags := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		tags = append(tags, t.String())
	}
	sort.Strings(tags)
	return tags
}

// TagFor reads the optional "kind" field of a descriptor
func TagFor(origin string, descriptor json.RawMessage) Tag {
	var d struct {
		Kind string `json:"kind"`
	}
	// Descriptors were canonicalized at submit time; a decode failure only
	// means there is no usable kind
	_ = sonic.Unmarshal(descriptor, &d)
	return Tag{Origin: origin, Kind: d.Kind}
}
