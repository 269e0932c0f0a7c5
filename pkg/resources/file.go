package resources

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/crystian/incant/pkg/recon"
)

// FileInfo is the observed metadata of a file inside an instance.
type FileInfo struct {
	UID  int
	GID  int
	Mode string
}

// FileOps moves files in and out of instances. Implemented by the CLI
// backend for local daemons and by the SSH transport for remote hosts.
type FileOps interface {
	// PushFile uploads content to path inside the instance. UID and GID of
	// -1 leave ownership to the server default; mode is an octal string or
	// empty.
	PushFile(ctx context.Context, instance recon.Identity, path string, content []byte, uid, gid int, mode string) error

	// PullFile downloads the file at path inside the instance.
	PullFile(ctx context.Context, instance recon.Identity, path string) ([]byte, error)

	// StatFile reads the file's ownership and permission bits. Backends
	// that cannot observe metadata return an error; callers treat that as
	// unknown, not as drift.
	StatFile(ctx context.Context, instance recon.Identity, path string) (*FileInfo, error)

	// DeleteFile removes the file at path inside the instance. Deleting a
	// missing file returns a not-found error.
	DeleteFile(ctx context.Context, instance recon.Identity, path string) error
}

// FileSpec pushes one file into an instance.
type FileSpec struct {
	Instance string `yaml:"instance" validate:"required"`
	Dest     string `yaml:"dest" validate:"required"`

	// Content is the file body. Exactly what ends up at Dest.
	Content []byte `yaml:"content"`

	// UID and GID set ownership inside the instance; -1 keeps defaults.
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`

	// Mode is the octal permission string ("0644"). Empty keeps defaults.
	Mode string `yaml:"mode"`

	DryRun bool `yaml:"-"`
}

// UnmarshalYAML keeps omitted uid/gid at -1 so a manifest without
// explicit ownership never forces root ownership.
func (s *FileSpec) UnmarshalYAML(value *yaml.Node) error {
	type plain FileSpec
	tmp := plain{UID: -1, GID: -1}
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*s = FileSpec(tmp)
	return nil
}

// Files pushes, pulls and deletes files inside instances. Push compares
// the current remote content first so an unchanged file is a no-op.
type Files struct {
	ops   FileOps
	scope Scope
	log   zerolog.Logger
}

func NewFiles(ops FileOps, scope Scope, logger zerolog.Logger) *Files {
	return &Files{ops: ops, scope: scope, log: componentLogger(logger, "files")}
}

// Push uploads the file, skipping the write when the remote content and
// the requested ownership and mode already match.
func (f *Files) Push(ctx context.Context, spec FileSpec) (*Report, error) {
	if err := validate.Struct(spec); err != nil {
		return nil, specErr(err)
	}
	id := f.scope.identity(spec.Instance)

	current, err := f.ops.PullFile(ctx, id, spec.Dest)
	if err != nil && !recon.IsNotFound(err) {
		return nil, err
	}
	if err == nil && string(current) == string(spec.Content) && f.metadataMatches(ctx, id, spec) {
		return &Report{Msg: "File matches configuration"}, nil
	}

	if spec.DryRun {
		return &Report{Changed: true, Msg: "File would be pushed"}, nil
	}
	if err := f.ops.PushFile(ctx, id, spec.Dest, spec.Content, spec.UID, spec.GID, spec.Mode); err != nil {
		return nil, err
	}
	return &Report{Changed: true, Msg: "File pushed"}, nil
}

// metadataMatches compares requested ownership and mode against the
// file's current metadata. Unverifiable metadata counts as matching: a
// stopped instance cannot be statted, and re-pushing there would fail
// the same way.
func (f *Files) metadataMatches(ctx context.Context, id recon.Identity, spec FileSpec) bool {
	if spec.UID < 0 && spec.GID < 0 && spec.Mode == "" {
		return true
	}
	info, err := f.ops.StatFile(ctx, id, spec.Dest)
	if err != nil {
		f.log.Debug().Err(err).Str("path", spec.Dest).Msg("file stat failed, comparing content only")
		return true
	}
	if spec.UID >= 0 && info.UID != spec.UID {
		return false
	}
	if spec.GID >= 0 && info.GID != spec.GID {
		return false
	}
	if spec.Mode != "" && !sameMode(spec.Mode, info.Mode) {
		return false
	}
	return true
}

// sameMode compares octal permission strings; "0644" equals "644".
func sameMode(a, b string) bool {
	av, aerr := strconv.ParseUint(a, 8, 32)
	bv, berr := strconv.ParseUint(b, 8, 32)
	if aerr != nil || berr != nil {
		return a == b
	}
	return av == bv
}

// Pull downloads the file at path inside the instance.
func (f *Files) Pull(ctx context.Context, instance, path string) ([]byte, error) {
	return f.ops.PullFile(ctx, f.scope.identity(instance), path)
}

// Remove deletes the file inside the instance. A missing file is
// unchanged.
func (f *Files) Remove(ctx context.Context, instance, path string, dryRun bool) (*Report, error) {
	id := f.scope.identity(instance)
	if dryRun {
		if _, err := f.ops.PullFile(ctx, id, path); recon.IsNotFound(err) {
			return &Report{Msg: "File already absent"}, nil
		} else if err != nil {
			return nil, err
		}
		return &Report{Changed: true, Msg: "File would be deleted"}, nil
	}
	err := f.ops.DeleteFile(ctx, id, path)
	if recon.IsNotFound(err) {
		return &Report{Msg: "File already absent"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Report{Changed: true, Msg: "File deleted"}, nil
}
