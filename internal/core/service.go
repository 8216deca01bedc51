package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/cdf/internal/canon"
	"github.com/JonMunkholm/cdf/internal/munger"
	"github.com/JonMunkholm/cdf/internal/source"
	"github.com/JonMunkholm/cdf/internal/store"
	"github.com/JonMunkholm/cdf/internal/upsert"
)

// ErrUnknownMunger is returned when a request names a munger that is not in
// the catalog.
var ErrUnknownMunger = errors.New("unknown munger")

// ErrUnknownJurisdiction is returned when a request names a jurisdiction
// that was not loaded.
var ErrUnknownJurisdiction = errors.New("unknown jurisdiction")

// Defaults for Options.
const (
	DefaultBatchSize   = 500
	DefaultConcurrency = 4
	DefaultLoadTimeout = 10 * time.Minute
)

// Options tunes the load pipeline.
type Options struct {
	MaxFileSize int64         // 0 = source.DefaultMaxBytes
	BatchSize   int           // vote counts per INSERT statement
	Concurrency int           // files loaded in parallel by LoadBatch
	Timeout     time.Duration // per file
}

func (o Options) withDefaults() Options {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = source.DefaultMaxBytes
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultLoadTimeout
	}
	return o
}

// Service loads raw files and answers history queries.
type Service struct {
	db            store.DB
	engine        *upsert.Engine
	mungers       *munger.Catalog
	jurisdictions map[string]*canon.Jurisdiction
	fetcher       source.Fetcher
	opts          Options
}

// NewService creates a Service and seeds the fixed enumerations.
func NewService(ctx context.Context, db store.DB, mungers *munger.Catalog,
	jurisdictions map[string]*canon.Jurisdiction, fetcher source.Fetcher, opts Options) (*Service, error) {
	if mungers == nil {
		mungers = munger.NewCatalog()
	}
	if jurisdictions == nil {
		jurisdictions = map[string]*canon.Jurisdiction{}
	}
	opts = opts.withDefaults()
	if fetcher == nil {
		fetcher = &source.Router{Local: &source.Local{MaxBytes: opts.MaxFileSize}}
	}

	s := &Service{
		db:            db,
		engine:        upsert.New(db),
		mungers:       mungers,
		jurisdictions: jurisdictions,
		fetcher:       fetcher,
		opts:          opts,
	}
	if err := upsert.SeedEnumerations(ctx, s.engine); err != nil {
		return nil, fmt.Errorf("seed enumerations: %w", err)
	}
	return s, nil
}

// DB returns the store the service writes to.
func (s *Service) DB() store.DB { return s.db }

// Engine returns the shared upsert engine.
func (s *Service) Engine() *upsert.Engine { return s.engine }

// Fetcher returns the raw-file source.
func (s *Service) Fetcher() source.Fetcher { return s.fetcher }

// Mungers returns the munger names, sorted.
func (s *Service) Mungers() []string { return s.mungers.Names() }

// Jurisdictions returns the loaded jurisdiction names, sorted.
func (s *Service) Jurisdictions() []string {
	names := make([]string, 0, len(s.jurisdictions))
	for n := range s.jurisdictions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Jurisdiction returns a loaded jurisdiction by name.
func (s *Service) Jurisdiction(name string) (*canon.Jurisdiction, error) {
	j, ok := s.jurisdictions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJurisdiction, name)
	}
	return j, nil
}

// Ping checks the store connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Service) resolve(req LoadRequest) (*munger.Munger, *canon.Jurisdiction, error) {
	m, ok := s.mungers.Get(req.Munger)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMunger, req.Munger)
	}
	j, err := s.Jurisdiction(req.Jurisdiction)
	if err != nil {
		return nil, nil, err
	}
	if err := checkMunger(m); err != nil {
		return nil, nil, err
	}
	return m, j, nil
}

// checkMunger verifies a munger can drive canonicalization: the elements it
// names exist and its count labels are CountItemType values.
func checkMunger(m *munger.Munger) error {
	probs := canon.MungerProblems(m)
	valid := make(map[string]bool)
	for _, t := range store.Enumerations[store.TableCountItemType] {
		valid[t] = true
	}
	for label, t := range m.CountTypeLabels {
		if !valid[t] {
			probs = append(probs, fmt.Sprintf("count_type_labels[%q] = %q is not a CountItemType", label, t))
		}
	}
	if len(probs) == 0 {
		return nil
	}
	sort.Strings(probs)
	return fmt.Errorf("%w %q: %v", munger.ErrInvalidMunger, m.Name, probs)
}
