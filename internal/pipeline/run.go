package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultInclude selects every .json file at any depth. Matching is
// case-sensitive.
const DefaultInclude = "**/*.json"

// Summary counts the outcome of one pass over an input tree.
type Summary struct {
	Files       int
	Succeeded   int
	ParseFailed int
	SendFailed  int
	// Failed counts files that parsed and were sent but could not be stored.
	Failed    int
	Resources int
}

// Run processes every matching file under root, one at a time in lexical
// order. Per-file failures are logged and counted, never returned. The error
// is non-nil only when root cannot be read or ctx is cancelled.
func (p *Processor) Run(ctx context.Context, root string) (*Summary, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("read input root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input root %s is not a directory", root)
	}

	files, err := p.collect(root)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Files++
		res, err := p.ProcessFile(ctx, root, path)
		if res != nil {
			sum.Resources += res.Resources
		}
		p.count(sum, path, err)
	}

	p.logger.Info().
		Int("files", sum.Files).
		Int("succeeded", sum.Succeeded).
		Int("parse_failed", sum.ParseFailed).
		Int("send_failed", sum.SendFailed).
		Int("store_failed", sum.Failed).
		Int("resources", sum.Resources).
		Msg("run complete")
	return sum, nil
}

func (p *Processor) count(sum *Summary, path string, err error) {
	var (
		perr *ParseError
		terr *TransmissionError
	)
	switch {
	case err == nil:
		sum.Succeeded++
	case errors.As(err, &perr):
		sum.ParseFailed++
		p.logger.Error().Err(err).Str("file", path).Msg("skipping unparseable file")
	case errors.As(err, &terr):
		// Already logged with response detail where it happened.
		sum.SendFailed++
	default:
		sum.Failed++
		p.logger.Error().Err(err).Str("file", path).Msg("file processing failed")
	}
}

// collect walks root and returns the matching regular files. WalkDir visits
// entries in lexical order. Unreadable subdirectories are logged and skipped.
func (p *Processor) collect(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			p.logger.Warn().Err(walkErr).Str("path", path).Msg("skipping unreadable path")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() && p.Matches(rel) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk input root: %w", err)
	}
	return files, nil
}

// Matches reports whether rel, a path relative to the input root, is selected
// by the include patterns and not by any exclude pattern.
func (p *Processor) Matches(rel string) bool {
	normalized := filepath.ToSlash(rel)
	for _, pat := range p.exclude {
		if ok, err := doublestar.Match(pat, normalized); err == nil && ok {
			return false
		}
	}
	for _, pat := range p.include {
		if ok, err := doublestar.Match(pat, normalized); err == nil && ok {
			return true
		}
	}
	return false
}

func validatePatterns(patterns []string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("pipeline: invalid pattern %q", pat)
		}
	}
	return nil
}
