package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// CopyTo implements remote.Target. The content is written to a temporary
// sibling and renamed over remotePath, so readers never see a partial file.
func (c *SSHClient) CopyTo(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{
			Op:          "copy",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.upload(sftpClient, content, remotePath, mode)
	}()

	select {
	case <-ctx.Done():
		// Closing the client aborts the transfer in flight.
		_ = sftpClient.Close()
		<-done
		return &TransportError{Op: "copy", Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return &TransportError{Op: "copy", Err: err}
		}
	}
	return nil
}

func (c *SSHClient) upload(client *sftp.Client, content io.Reader, remotePath string, mode os.FileMode) error {
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	tmpPath := remotePath + ".procdriver-tmp"
	f, err := client.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}

	n, err := io.Copy(f, content)
	if err != nil {
		_ = f.Close()
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}

	if err := client.Chmod(tmpPath, mode); err != nil {
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions on %s: %w", tmpPath, err)
	}

	if err := client.PosixRename(tmpPath, remotePath); err != nil {
		_ = client.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", tmpPath, err)
	}

	c.logger.Debug().Str("path", remotePath).Int64("bytes", n).Msg("Uploaded file")
	return nil
}
