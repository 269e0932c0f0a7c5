package incuscli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/crystian/incant/pkg/recon"
	"github.com/crystian/incant/pkg/resources"
)

// Client wraps a Runner with identity scoping and implements the
// operations that fall outside the reconcile cycle: snapshot and volume
// restore, instance copy, file transfer, command execution, clustering.
type Client struct {
	runner Runner
	log    zerolog.Logger
}

func NewClient(runner Runner, logger zerolog.Logger) *Client {
	return &Client{runner: runner, log: logger.With().Str("component", "incus-client").Logger()}
}

// name renders the identity's name in CLI notation, remote-prefixed when
// the remote is not local.
func (c *Client) name(id recon.Identity) string {
	if id.Remote != "" && id.Remote != "local" {
		return id.Remote + ":" + id.Name
	}
	return id.Name
}

// parent renders the identity's parent (pool, network, instance) in CLI
// notation.
func (c *Client) parent(id recon.Identity) string {
	if id.Remote != "" && id.Remote != "local" {
		return id.Remote + ":" + id.Parent
	}
	return id.Parent
}

// args prepends global flags to an invocation.
func (c *Client) args(id recon.Identity, rest ...string) []string {
	var out []string
	if id.Project != "" && id.Project != "default" {
		out = append(out, "--project", id.Project)
	}
	return append(out, rest...)
}

// queryPath builds an incus query path, remote-prefixed and
// project-qualified.
func (c *Client) queryPath(id recon.Identity, path string) string {
	if id.Project != "" && id.Project != "default" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + "project=" + id.Project
	}
	if id.Remote != "" && id.Remote != "local" {
		return id.Remote + ":" + path
	}
	return path
}

// patch sends a JSON PATCH to the API path for whole-document updates
// the CLI has no verb for.
func (c *Client) patch(ctx context.Context, id recon.Identity, path string, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return recon.NewError(recon.KindBackendFailure, "encoding patch body", err)
	}
	args := []string{"query", "-X", "PATCH", "-d", string(payload), c.queryPath(id, path)}
	_, err = run(ctx, c.runner, args, nil)
	return err
}

// RestoreSnapshot rolls an instance back to a snapshot.
func (c *Client) RestoreSnapshot(ctx context.Context, instance recon.Identity, snapshot string, stateful bool) error {
	args := c.args(instance, "snapshot", "restore", c.name(instance), snapshot)
	if stateful {
		args = append(args, "--stateful")
	}
	_, err := run(ctx, c.runner, args, nil)
	return err
}

// RestoreVolume rolls a storage volume back to a snapshot.
func (c *Client) RestoreVolume(ctx context.Context, id recon.Identity, snapshot string) error {
	args := c.args(id, "storage", "volume", "restore", c.parent(id), id.Name, snapshot)
	_, err := run(ctx, c.runner, args, nil)
	return err
}

// CopyVolume copies or moves a volume between pools.
func (c *Client) CopyVolume(ctx context.Context, src, dst recon.Identity, opts recon.MoveOptions) error {
	verb := "copy"
	if !opts.Copy {
		verb = "move"
	}
	args := c.args(src, "storage", "volume", verb,
		c.parent(src)+"/"+src.Name, c.parent(dst)+"/"+dst.Name)
	_, err := run(ctx, c.runner, args, nil)
	return err
}

// CopyInstance copies or migrates an instance.
func (c *Client) CopyInstance(ctx context.Context, src, dst recon.Identity, opts resources.InstanceCopyOptions) error {
	verb := "copy"
	if opts.Move {
		verb = "move"
	}
	args := c.args(src, verb, c.name(src), c.name(dst))
	if opts.Mode != "" {
		args = append(args, "--mode", opts.Mode)
	}
	if opts.InstanceOnly {
		args = append(args, "--instance-only")
	}
	if opts.Storage != "" {
		args = append(args, "--storage", opts.Storage)
	}
	switch {
	case opts.NoProfiles:
		args = append(args, "--no-profiles")
	default:
		for _, p := range opts.Profiles {
			args = append(args, "--profile", p)
		}
	}
	if opts.Ephemeral {
		args = append(args, "--ephemeral")
	}
	_, err := run(ctx, c.runner, args, nil)
	return err
}

// PushFile uploads content to a path inside an instance via stdin.
func (c *Client) PushFile(ctx context.Context, instance recon.Identity, path string, content []byte, uid, gid int, mode string) error {
	args := c.args(instance, "file", "push", "-",
		c.name(instance)+"/"+strings.TrimPrefix(path, "/"))
	if uid >= 0 {
		args = append(args, "--uid", strconv.Itoa(uid))
	}
	if gid >= 0 {
		args = append(args, "--gid", strconv.Itoa(gid))
	}
	if mode != "" {
		args = append(args, "--mode", mode)
	}
	_, err := run(ctx, c.runner, args, content)
	return err
}

// StatFile reads ownership and permission bits of a file inside an
// instance. The CLI has no file metadata verb, so this execs stat in the
// instance; a stopped instance cannot be statted.
func (c *Client) StatFile(ctx context.Context, instance recon.Identity, path string) (*resources.FileInfo, error) {
	args := c.args(instance, "exec", c.name(instance), "--", "stat", "-c", "%u %g %a", path)
	out, err := run(ctx, c.runner, args, nil)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 3 {
		return nil, recon.NewError(recon.KindBackendFailure, "unexpected stat output", nil).
			WithResource(instance.String()).WithDetail("path", path)
	}
	uid, uerr := strconv.Atoi(fields[0])
	gid, gerr := strconv.Atoi(fields[1])
	if uerr != nil || gerr != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "unexpected stat output", nil).
			WithResource(instance.String()).WithDetail("path", path)
	}
	return &resources.FileInfo{UID: uid, GID: gid, Mode: fields[2]}, nil
}

// PullFile reads a file from inside an instance to stdout.
func (c *Client) PullFile(ctx context.Context, instance recon.Identity, path string) ([]byte, error) {
	args := c.args(instance, "file", "pull",
		c.name(instance)+"/"+strings.TrimPrefix(path, "/"), "-")
	out, err := run(ctx, c.runner, args, nil)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// DeleteFile removes a file inside an instance.
func (c *Client) DeleteFile(ctx context.Context, instance recon.Identity, path string) error {
	args := c.args(instance, "file", "delete",
		c.name(instance)+"/"+strings.TrimPrefix(path, "/"))
	_, err := run(ctx, c.runner, args, nil)
	return err
}

// Exec runs a command inside an instance and captures its output.
func (c *Client) Exec(ctx context.Context, instance recon.Identity, req resources.ExecRequest) (*resources.ExecResult, error) {
	args := c.args(instance, "exec", c.name(instance))
	if req.UID > 0 {
		args = append(args, "--user", strconv.Itoa(req.UID))
	}
	if req.GID > 0 {
		args = append(args, "--group", strconv.Itoa(req.GID))
	}
	if req.Cwd != "" {
		args = append(args, "--cwd", req.Cwd)
	}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, "--")
	args = append(args, req.Command...)

	stdout, stderr, code, err := c.runner.Run(ctx, args, nil)
	if err != nil {
		return nil, err
	}
	return &resources.ExecResult{
		Stdout:   strings.TrimSpace(stdout),
		Stderr:   strings.TrimSpace(stderr),
		ExitCode: code,
	}, nil
}

// EnableClustering turns the server into a single-member cluster.
func (c *Client) EnableClustering(ctx context.Context, remote, member string) (bool, error) {
	id := recon.Identity{Remote: remote}
	out, err := run(ctx, c.runner, []string{"query", c.queryPath(id, "/1.0/cluster")}, nil)
	if err != nil {
		return false, err
	}
	var state struct {
		Enabled bool `json:"enabled"`
	}
	if jerr := json.Unmarshal([]byte(out), &state); jerr == nil && state.Enabled {
		return false, nil
	}
	target := member
	if remote != "" && remote != "local" {
		target = remote + ":" + member
	}
	if _, err := run(ctx, c.runner, []string{"cluster", "enable", target}, nil); err != nil {
		return false, err
	}
	return true, nil
}

// JoinToken generates a join token for a prospective member.
func (c *Client) JoinToken(ctx context.Context, remote, member string) (string, error) {
	target := member
	if remote != "" && remote != "local" {
		target = remote + ":" + member
	}
	out, err := run(ctx, c.runner, []string{"cluster", "add", target}, nil)
	if err != nil {
		return "", err
	}
	// The token is the last non-empty output line; the CLI prints a
	// human-readable preamble before it.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return "", recon.NewError(recon.KindBackendFailure, "no join token in output", nil)
	}
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

// ListMembers returns cluster member names.
func (c *Client) ListMembers(ctx context.Context, remote string) ([]string, error) {
	id := recon.Identity{Remote: remote}
	out, err := run(ctx, c.runner, []string{"query", c.queryPath(id, "/1.0/cluster/members?recursion=1")}, nil)
	if err != nil {
		return nil, err
	}
	var members []struct {
		ServerName string `json:"server_name"`
	}
	if err := json.Unmarshal([]byte(out), &members); err != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "decoding cluster members", err)
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.ServerName)
	}
	return names, nil
}

// ImageFingerprint maps an image alias to the stored fingerprint.
func (c *Client) ImageFingerprint(ctx context.Context, id recon.Identity) (string, error) {
	return c.resolveFingerprint(ctx, id)
}

// resolveFingerprint maps an image alias to the stored fingerprint.
func (c *Client) resolveFingerprint(ctx context.Context, id recon.Identity) (string, error) {
	out, err := run(ctx, c.runner, c.args(id, "image", "list", "--format=json", c.name(id)), nil)
	if err != nil {
		return "", err
	}
	images, err := decodeImageList(out)
	if err != nil {
		return "", err
	}
	for _, img := range images {
		for _, alias := range img.Aliases {
			if alias.Name == id.Name {
				return img.Fingerprint, nil
			}
		}
	}
	return "", recon.NewError(recon.KindNotFound,
		fmt.Sprintf("no image with alias %s", id.Name), nil).WithResource(id.String())
}
