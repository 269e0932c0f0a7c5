package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// nameField says which spec field a declaration's name feeds, per kind.
// Kinds absent from the map use "name".
var nameField = map[string]string{
	"image":           "alias",
	"config":          "instance",
	"file":            "instance",
	"exec":            "instance",
	"network_forward": "listen_address",
}

// parentField names the spec field that scopes a declaration under
// another resource, used for duplicate detection.
var parentField = map[string]string{
	"snapshot":        "instance",
	"storage_volume":  "pool",
	"network_forward": "network",
	"file":            "dest",
	"exec":            "command",
}

// Loader reads, merges and validates manifest files.
type Loader struct {
	schemas  *SchemaRegistry
	eval     *Evaluator
	validate *validator.Validate
	log      zerolog.Logger
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		schemas:  NewSchemaRegistry(),
		eval:     NewEvaluator(0),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.With().Str("component", "manifest").Logger(),
	}
}

// document is the YAML shape of one manifest file. A file may hold
// several documents separated by ---.
type document struct {
	Version   int                    `yaml:"version"`
	Defaults  Defaults               `yaml:"defaults"`
	Vars      map[string]interface{} `yaml:"vars"`
	Compute   string                 `yaml:"compute"`
	Resources []Declaration          `yaml:"resources"`
}

// Load reads every path (file or directory of *.yaml/*.yml), merges the
// documents and validates the result. On validation problems the
// partial manifest is returned together with an *InvalidError listing
// every problem found.
func (l *Loader) Load(ctx context.Context, paths []string) (*Manifest, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no manifest paths given")
	}

	files, err := l.collect(paths)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Vars:        make(map[string]interface{}),
		SourceFiles: files,
		LoadedAt:    time.Now(),
	}
	var errs []ValidationError
	var computes []struct{ file, script string }

	for _, file := range files {
		docs, derr := l.readFile(file)
		if derr != nil {
			errs = append(errs, ValidationError{File: file, Message: derr.Error()})
			continue
		}
		for _, doc := range docs {
			if doc.Version != 0 {
				if m.Version != 0 && doc.Version != m.Version {
					errs = append(errs, ValidationError{
						File:    file,
						Message: fmt.Sprintf("manifest version %d conflicts with version %d", doc.Version, m.Version),
					})
					continue
				}
				m.Version = doc.Version
			}
			if doc.Defaults.Remote != "" {
				m.Defaults.Remote = doc.Defaults.Remote
			}
			if doc.Defaults.Project != "" {
				m.Defaults.Project = doc.Defaults.Project
			}
			for k, v := range doc.Vars {
				m.Vars[k] = v
			}
			if doc.Compute != "" {
				computes = append(computes, struct{ file, script string }{file, doc.Compute})
			}
			for i := range doc.Resources {
				doc.Resources[i].Source = file
			}
			m.Resources = append(m.Resources, doc.Resources...)
		}
	}

	for _, c := range computes {
		computed, cerr := l.eval.Evaluate(ctx, c.script, m.Vars)
		if cerr != nil {
			errs = append(errs, ValidationError{File: c.file, Path: "compute", Message: cerr.Error()})
			continue
		}
		for k, v := range computed {
			m.Vars[k] = v
		}
	}

	errs = append(errs, l.finish(m)...)

	l.log.Debug().
		Int("files", len(files)).
		Int("resources", len(m.Resources)).
		Int("errors", len(errs)).
		Msg("manifest loaded")

	if len(errs) > 0 {
		return m, &InvalidError{Errors: errs}
	}
	return m, nil
}

// finish expands variables, applies defaults and validates every
// declaration.
func (l *Loader) finish(m *Manifest) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]string)

	for i := range m.Resources {
		d := &m.Resources[i]
		path := fmt.Sprintf("resources[%d]", i)

		if err := l.expandDeclaration(d, m.Vars); err != nil {
			errs = append(errs, ValidationError{File: d.Source, Path: path, Message: err.Error()})
			continue
		}

		if d.Remote == "" {
			d.Remote = m.Defaults.Remote
		}
		if d.Project == "" {
			d.Project = m.Defaults.Project
		}
		if d.State == "" {
			d.State = "present"
		}

		if err := l.validate.Struct(d); err != nil {
			errs = append(errs, ValidationError{File: d.Source, Path: path, Message: err.Error()})
			continue
		}

		if d.Spec == nil {
			d.Spec = make(map[string]interface{})
		}
		field := nameField[d.Kind]
		if field == "" {
			field = "name"
		}
		if _, ok := d.Spec[field]; !ok {
			d.Spec[field] = d.Name
		}

		key := l.identityKey(d)
		if prev, dup := seen[key]; dup {
			errs = append(errs, ValidationError{
				File:    d.Source,
				Path:    path,
				Message: fmt.Sprintf("duplicate %s %q, first declared in %s", d.Kind, d.Name, prev),
			})
			continue
		}
		seen[key] = d.Source

		// Absent declarations only address the resource; their spec is
		// not required to be schema-complete.
		if d.State == "absent" {
			continue
		}
		if err := l.schemas.ValidateSpec(d.Kind, d.Spec); err != nil {
			errs = append(errs, ValidationError{
				File:    d.Source,
				Path:    fmt.Sprintf("%s (%s %s)", path, d.Kind, d.Name),
				Message: err.Error(),
			})
		}
	}
	return errs
}

func (l *Loader) identityKey(d *Declaration) string {
	parent := ""
	if pf, ok := parentField[d.Kind]; ok {
		parent = fmt.Sprint(d.Spec[pf])
	}
	return strings.Join([]string{d.Kind, d.Remote, d.Project, parent, d.Name}, "\x00")
}

// expandDeclaration substitutes ${var} placeholders in the declaration
// name, scope fields and spec values.
func (l *Loader) expandDeclaration(d *Declaration, vars map[string]interface{}) error {
	for _, f := range []*string{&d.Name, &d.Remote, &d.Project} {
		v, err := expandValue(*f, vars)
		if err != nil {
			return err
		}
		*f = fmt.Sprint(v)
	}
	expanded, err := expandValue(d.Spec, vars)
	if err != nil {
		return err
	}
	if spec, ok := expanded.(map[string]interface{}); ok {
		d.Spec = spec
	}
	return nil
}

// expandValue walks a decoded YAML value replacing ${name} placeholders.
// A string that is exactly one placeholder takes the variable's value
// with its type intact, so lists and maps can be substituted whole.
func expandValue(v interface{}, vars map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return expandString(val, vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			e, err := expandValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			e, err := expandValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	default:
		return v, nil
	}
}

func expandString(s string, vars map[string]interface{}) (interface{}, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	// Whole-string placeholder keeps the variable's type.
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 {
		name := s[2 : len(s)-1]
		v, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("undefined variable %q", name)
		}
		return v, nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", s)
		}
		b.WriteString(rest[:start])
		name := rest[start+2 : start+end]
		v, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("undefined variable %q", name)
		}
		fmt.Fprint(&b, v)
		rest = rest[start+end+1:]
	}
}

// collect resolves the given paths into a sorted list of manifest files.
func (l *Loader) collect(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("reading manifest path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("reading manifest directory: %w", err)
		}
		var dirFiles []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := filepath.Ext(e.Name())
			if ext == ".yaml" || ext == ".yml" {
				dirFiles = append(dirFiles, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(dirFiles)
		files = append(files, dirFiles...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no manifest files found under %v", paths)
	}
	return files, nil
}

func (l *Loader) readFile(path string) ([]document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []document
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	for {
		var doc document
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, err
		}
		docs = append(docs, doc)
	}
}
