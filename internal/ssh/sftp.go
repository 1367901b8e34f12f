package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/taskr/internal/taskfile"
)

// PushFiles uploads each local file to its remote path over one SFTP session.
func PushFiles(ctx context.Context, client *xssh.Client, uploads []taskfile.Upload) error {
	if len(uploads) == 0 {
		return nil
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pushFile(sf, u.Local, u.Remote); err != nil {
			return fmt.Errorf("upload %s: %w", u.Local, err)
		}
	}
	return nil
}

func pushFile(sf *sftp.Client, localPath, remotePath string) error {
	// Remote paths are always slash-separated.
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat local: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(dst, io.TeeReader(src, hasher)); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Chmod(st.Mode().Perm()); err != nil {
		_ = dst.Close()
		return fmt.Errorf("chmod remote: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	return verifyChecksum(sf, remotePath, hex.EncodeToString(hasher.Sum(nil)))
}

// verifyChecksum reads the uploaded file back and compares its SHA256.
func verifyChecksum(sf *sftp.Client, remotePath, want string) error {
	f, err := sf.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote: %w", err)
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("read remote: %w", err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != want {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return nil
}
