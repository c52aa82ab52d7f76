package profilecenter

import (
	"context"
	"sync"
	"time"

	"github.com/db-incubator/asyncmysql/pkg/client"
	"github.com/db-incubator/asyncmysql/pkg/config"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/util/logutil"
	"go.uber.org/zap"
)

const defaultRefreshInterval = 30 * time.Second

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrMissingName     = errors.New("profile document has no name")
)

// Document is one raw profile payload as a Source found it. Origin says
// where it came from (file path, etcd key) and is carried into parse and
// duplicate errors; the authoritative profile name lives in the payload.
type Document struct {
	Origin string
	Data   []byte
}

// Source produces the current set of profile documents plus an opaque
// version. When the version has not moved since the previous fetch the
// center keeps its parsed registry instead of rebuilding it.
type Source interface {
	FetchAll(ctx context.Context) ([]Document, string, error)
}

// entry is one validated profile: the parsed document, where it came from,
// and the key/options it resolves to under the center's defaults.
type entry struct {
	profile *config.Profile
	origin  string
	key     *client.ConnectionKey
	opts    *client.ConnectionOptions
}

// Center serves named connection profiles out of a Source. Documents are
// parsed, checked for duplicates and resolved against the client defaults
// once per version; lookups hit the cached registry. The registry refreshes
// lazily when it is older than the refresh interval.
type Center struct {
	source   Source
	defaults config.Defaults
	strict   bool
	interval time.Duration

	mu        sync.Mutex
	version   string
	fetchedAt time.Time
	entries   map[string]*entry
}

func NewCenter(source Source, defaults config.Defaults, strict bool) *Center {
	return &Center{
		source:   source,
		defaults: defaults,
		strict:   strict,
		interval: defaultRefreshInterval,
	}
}

// NewCenterFromConfig builds the Source named by cfg.Type and wraps it.
func NewCenterFromConfig(cfg config.ProfileCenter, defaults config.Defaults) (*Center, error) {
	var source Source
	switch cfg.Type {
	case "file":
		source = NewDirSource(cfg.ProfileDir.Path)
	case "etcd":
		etcdSource, err := NewEtcdSource(cfg.ProfileEtcd)
		if err != nil {
			return nil, err
		}
		source = etcdSource
	default:
		return nil, errors.Errorf("unknown profile center type %q", cfg.Type)
	}
	return NewCenter(source, defaults, cfg.Type == "etcd" && cfg.ProfileEtcd.StrictParse), nil
}

// SetRefreshInterval overrides how long a fetched registry stays fresh.
func (c *Center) SetRefreshInterval(interval time.Duration) {
	c.mu.Lock()
	c.interval = interval
	c.mu.Unlock()
}

// Get resolves name into the key and options a ConnectOperation consumes.
func (c *Center) Get(ctx context.Context, name string) (*client.ConnectionKey, *client.ConnectionOptions, error) {
	e, err := c.lookup(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return e.key, e.opts, nil
}

// Describe returns the parsed profile document for name. Callers exposing
// it outside the process redact credentials themselves.
func (c *Center) Describe(ctx context.Context, name string) (*config.Profile, error) {
	e, err := c.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.profile, nil
}

// Names lists the known profile names in map iteration order; the result is
// not sorted.
func (c *Center) Names(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	return names, nil
}

func (c *Center) lookup(ctx context.Context, name string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	e, ok := c.entries[name]
	if !ok {
		return nil, errors.WithMessage(ErrProfileNotFound, name)
	}
	return e, nil
}

// ensureFresh rebuilds the registry when it has never been built or has
// aged past the refresh interval. Callers hold c.mu.
func (c *Center) ensureFresh(ctx context.Context) error {
	if c.entries != nil && time.Since(c.fetchedAt) < c.interval {
		return nil
	}
	docs, version, err := c.source.FetchAll(ctx)
	if err != nil {
		// keep serving the stale registry if there is one
		if c.entries != nil {
			logutil.BgLogger().Warn("profile refresh failed, serving stale registry",
				zap.Error(err), zap.String("version", c.version))
			c.fetchedAt = time.Now()
			return nil
		}
		return err
	}
	if c.entries != nil && version == c.version {
		c.fetchedAt = time.Now()
		return nil
	}

	entries, err := c.build(docs)
	if err != nil {
		return err
	}
	c.entries = entries
	c.version = version
	c.fetchedAt = time.Now()
	return nil
}

// build parses and resolves every document. In strict mode any bad document
// fails the whole rebuild; otherwise bad documents are logged and skipped.
// Duplicate names are always an error and report both origins.
func (c *Center) build(docs []Document) (map[string]*entry, error) {
	entries := make(map[string]*entry, len(docs))
	for _, doc := range docs {
		profile, err := config.UnmarshalProfileConfig(doc.Data)
		if err == nil && profile.Profile == "" {
			err = ErrMissingName
		}
		var key *client.ConnectionKey
		var opts *client.ConnectionOptions
		if err == nil {
			key, opts, err = Resolve(profile, c.defaults)
		}
		if err != nil {
			if c.strict {
				return nil, errors.WithMessage(err, doc.Origin)
			}
			logutil.BgLogger().Warn("skipping bad profile document",
				zap.String("origin", doc.Origin), zap.Error(err))
			continue
		}
		if prev, ok := entries[profile.Profile]; ok {
			return nil, errors.Errorf("duplicated profile %q in %s and %s",
				profile.Profile, prev.origin, doc.Origin)
		}
		entries[profile.Profile] = &entry{
			profile: profile,
			origin:  doc.Origin,
			key:     key,
			opts:    opts,
		}
	}
	return entries, nil
}
