package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads policy files. A .rego file becomes one policy named
// after the file; a .json file is a full Policy document including
// severity and tags.
type Loader struct {
	log     zerolog.Logger
	watcher *fsnotify.Watcher
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{log: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy under the given files or
// directories. Directories are walked recursively.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy path: %w", err)
		}
		if !info.IsDir() {
			p, err := l.loadFile(path)
			if err != nil {
				return nil, err
			}
			all = append(all, p)
			continue
		}
		err = filepath.WalkDir(path, func(file string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if !strings.HasSuffix(file, ".rego") && !strings.HasSuffix(file, ".json") {
				return nil
			}
			p, perr := l.loadFile(file)
			if perr != nil {
				return perr
			}
			all = append(all, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking policy directory: %w", err)
		}
	}
	return all, nil
}

func (l *Loader) loadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy file: %w", err)
	}

	var p Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p = Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: leadingComment(string(data)),
			Rego:        string(data),
			Severity:    SeverityWarning,
			Enabled:     true,
		}
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("parsing policy %s: %w", path, err)
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
	default:
		return Policy{}, fmt.Errorf("unsupported policy file %s", path)
	}
	p.Source = path

	l.log.Debug().Str("path", path).Str("policy", p.Name).Msg("policy file loaded")
	return p, nil
}

// leadingComment collects the comment block at the top of a rego file,
// skipping the package line.
func leadingComment(src string) string {
	var b strings.Builder
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(comment)
	}
	return b.String()
}

// Watch reloads policies when a watched file changes. Reloads are
// debounced because editors fire several events per save.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("cannot watch policy path")
			continue
		}
		if info.IsDir() {
			err = filepath.WalkDir(path, func(dir string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(dir)
				}
				return nil
			})
		} else {
			err = watcher.Add(path)
		}
		if err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, paths, apply)
	l.log.Info().Int("paths", len(paths)).Msg("watching policy paths")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, paths []string, apply func([]Policy) error) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") && !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				policies, err := l.LoadFromPaths(paths)
				if err != nil {
					l.log.Error().Err(err).Msg("policy reload failed")
					return
				}
				if err := apply(policies); err != nil {
					l.log.Error().Err(err).Msg("applying reloaded policies failed")
					return
				}
				l.log.Info().Int("count", len(policies)).Msg("policies reloaded")
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("policy watcher error")
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
