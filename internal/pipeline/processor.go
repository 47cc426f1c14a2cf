// Package pipeline runs the per-file transform and push: parse a bundle,
// assign ids, repair every resource, order contained resources first, build
// the transaction and collection packages, send them and keep a local copy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ehr/bundlesync/internal/ident"
	"github.com/ehr/bundlesync/internal/linearize"
	"github.com/ehr/bundlesync/internal/platform/fhir"
	"github.com/ehr/bundlesync/internal/repair"
	"github.com/ehr/bundlesync/internal/store"
	"github.com/ehr/bundlesync/internal/transport"
)

// Mode selects how a file's resources are delivered.
type Mode string

const (
	// ModeBundle posts the transaction package, then the collection package.
	ModeBundle Mode = "bundle"
	// ModeResources upserts each resource individually.
	ModeResources Mode = "resources"
)

// ParseMode validates a mode name. Empty selects ModeBundle.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBundle:
		return ModeBundle, nil
	case ModeResources:
		return ModeResources, nil
	default:
		return "", fmt.Errorf("unknown send mode %q (want %q or %q)", s, ModeBundle, ModeResources)
	}
}

// maxLoggedBody bounds the response excerpt attached to failure logs.
const maxLoggedBody = 512

// Sender delivers packages and resources. *transport.Client implements it.
type Sender interface {
	PostBundle(ctx context.Context, path string, b *fhir.Bundle) (*transport.Response, error)
	PutResource(ctx context.Context, resourceType, id string, r *fhir.Object) (*transport.Response, error)
}

// FileResult describes what happened to one source file.
type FileResult struct {
	Path    string
	RelPath string
	// Resources is the number of resources in the packages.
	Resources int
	// Dropped counts entries skipped for lacking a resourceType.
	Dropped  int
	Packages fhir.Packages
	// Transmitted is set once the transaction package (or every resource in
	// ModeResources) was accepted.
	Transmitted bool
	Stored      bool
	// CollectionErr is the collection package failure, if any. It never fails
	// the file.
	CollectionErr error
}

// Processor runs the pipeline for individual files. It holds no per-file
// state and processes one file at a time.
type Processor struct {
	source *Source
	engine *repair.Engine
	sender Sender
	store  store.Store
	logger zerolog.Logger
	ids    ident.Generator
	mode   Mode
	dryRun bool

	include []string
	exclude []string
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the processor's logger.
func WithLogger(l zerolog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithSource replaces the default, unvalidated source.
func WithSource(s *Source) ProcessorOption {
	return func(p *Processor) {
		if s != nil {
			p.source = s
		}
	}
}

// WithMode selects the delivery mode.
func WithMode(m Mode) ProcessorOption {
	return func(p *Processor) {
		p.mode = m
	}
}

// WithDryRun skips the network and stores the transaction package directly.
func WithDryRun(dryRun bool) ProcessorOption {
	return func(p *Processor) {
		p.dryRun = dryRun
	}
}

// WithIDGenerator sets the generator for missing resource ids.
func WithIDGenerator(gen ident.Generator) ProcessorOption {
	return func(p *Processor) {
		if gen != nil {
			p.ids = gen
		}
	}
}

// WithPatterns sets the doublestar include and exclude patterns matched
// against slash-separated paths relative to the input root. Empty include
// keeps DefaultInclude.
func WithPatterns(include, exclude []string) ProcessorOption {
	return func(p *Processor) {
		if len(include) > 0 {
			p.include = include
		}
		p.exclude = exclude
	}
}

// NewProcessor creates a Processor. sender may be nil only in dry-run mode.
func NewProcessor(engine *repair.Engine, sender Sender, st store.Store, opts ...ProcessorOption) (*Processor, error) {
	p := &Processor{
		source:  NewSource(nil),
		engine:  engine,
		sender:  sender,
		store:   st,
		logger:  zerolog.Nop(),
		ids:     ident.UUID,
		mode:    ModeBundle,
		include: []string{DefaultInclude},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.engine == nil {
		p.engine = repair.NewEngine(repair.DefaultOptions())
	}
	if p.store == nil {
		p.store = store.NopStore{}
	}
	if _, err := ParseMode(string(p.mode)); err != nil {
		return nil, err
	}
	if p.sender == nil && !p.dryRun {
		return nil, errors.New("pipeline: a sender is required unless dry-run is enabled")
	}
	if err := validatePatterns(append(append([]string{}, p.include...), p.exclude...)); err != nil {
		return nil, err
	}
	return p, nil
}

// Prepare runs the in-memory stages on a parsed bundle: id assignment,
// repair, ordering and package building. It never fails. The returned count
// is the number of entries dropped for lacking a resourceType.
func (p *Processor) Prepare(path string, b *fhir.Bundle) (fhir.Packages, int) {
	log := p.logger.With().Str("file", path).Logger()

	var resources []*fhir.Object
	dropped := 0
	for i, r := range b.Resources() {
		if fhir.ResourceType(r) == "" {
			log.Warn().Int("entry", i).Msg("skipping entry without resourceType")
			dropped++
			continue
		}
		ident.AssignTree(r, p.ids)
		rep := p.engine.Apply(r)
		if rep.Changed() {
			log.Debug().
				Str("resource_type", fhir.ResourceType(r)).
				Str("resource_id", fhir.ID(r)).
				Strs("repairs", rep.Applied).
				Msg("repaired resource")
		}
		resources = append(resources, r)
	}

	ordered := linearize.Linearize(resources)
	// Contained children surfaced by the linearizer need a resourceType to
	// be addressable.
	kept := make([]*fhir.Object, 0, len(ordered))
	for _, r := range ordered {
		if fhir.ResourceType(r) == "" {
			log.Warn().Str("resource_id", fhir.ID(r)).Msg("skipping contained resource without resourceType")
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return fhir.BuildPackages(kept), dropped
}

// ProcessFile runs the whole pipeline for the file at path. root is the input
// root used to derive the persisted file name. The returned error is a
// *ParseError, a *TransmissionError or a persistence error; the result is
// non-nil whenever parsing succeeded.
func (p *Processor) ProcessFile(ctx context.Context, root, path string) (*FileResult, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	log := p.logger.With().Str("file", rel).Logger()

	b, err := p.source.LoadContainer(path)
	if err != nil {
		return nil, err
	}

	pkgs, dropped := p.Prepare(rel, b)
	res := &FileResult{
		Path:      path,
		RelPath:   rel,
		Resources: len(pkgs.Transaction.Entry),
		Dropped:   dropped,
		Packages:  pkgs,
	}

	if p.dryRun {
		log.Info().Int("resources", res.Resources).Msg("dry run: skipping transmission")
		return res, p.persist(ctx, res)
	}

	switch p.mode {
	case ModeResources:
		err = p.sendResources(ctx, log, res)
	default:
		err = p.sendBundles(ctx, log, res)
	}
	return res, err
}

// sendBundles posts the transaction package; on success it persists that
// package and then posts the collection package, whose outcome is only
// logged. A persist failure is returned after the collection post.
func (p *Processor) sendBundles(ctx context.Context, log zerolog.Logger, res *FileResult) error {
	if _, err := p.sender.PostBundle(ctx, transport.TransactionPath, res.Packages.Transaction); err != nil {
		terr := &TransmissionError{Path: res.RelPath, BundleType: fhir.BundleTypeTransaction, Err: err}
		logTransmission(log.Error(), err).Str("bundle_type", fhir.BundleTypeTransaction).Msg("transaction bundle rejected")
		return terr
	}
	res.Transmitted = true
	log.Info().Int("resources", res.Resources).Msg("transaction bundle accepted")

	// The collection package follows an accepted transaction even when the
	// local copy could not be written.
	persistErr := p.persist(ctx, res)
	if persistErr != nil {
		log.Error().Err(persistErr).Msg("local copy not written")
	}

	if _, err := p.sender.PostBundle(ctx, transport.CollectionPath, res.Packages.Collection); err != nil {
		res.CollectionErr = &TransmissionError{Path: res.RelPath, BundleType: fhir.BundleTypeCollection, Err: err}
		logTransmission(log.Warn(), err).Str("bundle_type", fhir.BundleTypeCollection).Msg("collection bundle rejected")
		return persistErr
	}
	log.Debug().Msg("collection bundle accepted")
	return persistErr
}

// sendResources upserts every resource in package order. All resources are
// attempted; the local copy is written only when every one succeeded.
func (p *Processor) sendResources(ctx context.Context, log zerolog.Logger, res *FileResult) error {
	var errs []error
	for _, r := range res.Packages.Transaction.Resources() {
		typ, id := fhir.ResourceType(r), fhir.ID(r)
		if _, err := p.sender.PutResource(ctx, typ, id, r); err != nil {
			logTransmission(log.Error(), err).
				Str("resource_type", typ).
				Str("resource_id", id).
				Msg("resource rejected")
			errs = append(errs, &TransmissionError{Path: res.RelPath, ResourceType: typ, ResourceID: id, Err: err})
			if ctx.Err() != nil {
				break
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	res.Transmitted = true
	log.Info().Int("resources", res.Resources).Msg("resources accepted")
	return p.persist(ctx, res)
}

func (p *Processor) persist(ctx context.Context, res *FileResult) error {
	if err := p.store.Save(ctx, res.RelPath, res.Packages.Transaction); err != nil {
		return fmt.Errorf("persist %s: %w", res.RelPath, err)
	}
	res.Stored = true
	return nil
}

// logTransmission attaches status and a bounded body excerpt when err came
// from a non-2xx response.
func logTransmission(ev *zerolog.Event, err error) *zerolog.Event {
	ev = ev.Err(err)
	var se *transport.StatusError
	if !errors.As(err, &se) {
		return ev
	}
	ev = ev.Int("status", se.StatusCode)
	if diag := fhir.OutcomeDiagnostics([]byte(se.Body)); diag != "" {
		return ev.Str("diagnostics", diag)
	}
	body := se.Body
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}
	return ev.Str("body", body)
}
