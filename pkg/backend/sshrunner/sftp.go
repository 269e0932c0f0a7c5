package sshrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/crystian/incant/pkg/recon"
)

// sftpClient opens an SFTP subsystem on the live connection.
func (r *Runner) sftpClient() (*sftp.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected || r.client == nil {
		return nil, recon.NewError(recon.KindBackendFailure, "not connected", nil)
	}
	client, err := sftp.NewClient(r.client)
	if err != nil {
		return nil, recon.NewError(recon.KindBackendFailure, "opening sftp subsystem", err)
	}
	return client, nil
}

// Upload copies a local file to remotePath on the host, creating parent
// directories as needed.
func (r *Runner) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	local, err := os.Open(localPath)
	if err != nil {
		return recon.NewError(recon.KindBackendFailure, "opening local file", err)
	}
	defer local.Close()

	client, err := r.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return recon.NewError(recon.KindBackendFailure, "creating remote directory", err)
	}
	remote, err := client.Create(remotePath)
	if err != nil {
		return recon.NewError(recon.KindBackendFailure, "creating remote file", err)
	}
	defer remote.Close()

	start := time.Now()
	n, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return recon.NewError(recon.KindBackendFailure, "uploading file", err)
	}
	if mode != 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			return recon.NewError(recon.KindBackendFailure, "setting remote mode", err)
		}
	}

	r.log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")
	return nil
}

// Download copies remotePath on the host to a local file.
func (r *Runner) Download(ctx context.Context, remotePath, localPath string) error {
	client, err := r.sftpClient()
	if err != nil {
		return err
	}
	defer client.Close()

	remote, err := client.Open(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			return recon.NewError(recon.KindNotFound, fmt.Sprintf("remote file %s not found", remotePath), err)
		}
		return recon.NewError(recon.KindBackendFailure, "opening remote file", err)
	}
	defer remote.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return recon.NewError(recon.KindBackendFailure, "creating local directory", err)
	}
	local, err := os.Create(localPath)
	if err != nil {
		return recon.NewError(recon.KindBackendFailure, "creating local file", err)
	}
	defer local.Close()

	if _, err := copyWithContext(ctx, local, remote); err != nil {
		return recon.NewError(recon.KindBackendFailure, "downloading file", err)
	}
	return nil
}

// StageFile uploads a local file to the host's staging directory so a
// subsequent invocation can reference it by path. The cleanup removes
// the staged copy.
func (r *Runner) StageFile(ctx context.Context, localPath string) (string, func(), error) {
	dir := r.config.StagingDir
	if dir == "" {
		dir = "/tmp"
	}
	remotePath := path.Join(dir,
		fmt.Sprintf("incant-%s-%s", uuid.New().String()[:8], filepath.Base(localPath)))

	if err := r.Upload(ctx, localPath, remotePath, 0o600); err != nil {
		return "", nil, err
	}
	cleanup := func() {
		client, err := r.sftpClient()
		if err != nil {
			return
		}
		defer client.Close()
		if err := client.Remove(remotePath); err != nil {
			r.log.Warn().Err(err).Str("path", remotePath).Msg("removing staged file failed")
		}
	}
	return remotePath, cleanup, nil
}

// copyWithContext streams src to dst, checking for cancellation between
// chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w < n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
