package archive

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Derrickeee/Data-Jedi/internal/config"
)

// SFTP writes objects as files below a remote directory. One SSH
// connection is held for the lifetime of the store.
type SFTP struct {
	sftp *sftp.Client
	root string

	closeConn func() error
}

// NewSFTP dials the server described by options:
//
//	host, port (default 22), user
//	password or private_key_file
//	known_hosts_file          verify the host key (default ~/.ssh/known_hosts)
//	insecure_ignore_host_key  skip host key verification
func NewSFTP(ctx context.Context, root string, opts config.Options) (*SFTP, error) {
	host := opts.String("host", "")
	user := opts.String("user", "")
	if host == "" || user == "" {
		return nil, fmt.Errorf("archive: sftp needs host and user")
	}

	var auth []ssh.AuthMethod
	if keyFile := opts.String("private_key_file", ""); keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("archive: sftp read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("archive: sftp parse key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if pass := opts.String("password", ""); pass != "" {
		auth = append(auth, ssh.Password(pass))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("archive: sftp needs password or private_key_file")
	}

	hostKey, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         20 * time.Second,
	}
	addr := net.JoinHostPort(host, strconv.Itoa(opts.Int("port", 22)))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("archive: sftp dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: sftp handshake %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("archive: sftp new client: %w", err)
	}
	return &SFTP{sftp: client, root: root, closeConn: sshClient.Close}, nil
}

func hostKeyCallback(opts config.Options) (ssh.HostKeyCallback, error) {
	if opts.Bool("insecure_ignore_host_key", false) {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicitly configurable
	}
	file := opts.String("known_hosts_file", "")
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("archive: sftp known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("archive: sftp known_hosts %s: %w", file, err)
	}
	return cb, nil
}

func (s *SFTP) Put(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := path.Join(s.root, key)
	if err := s.sftp.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("sftp mkdir %s: %w", path.Dir(dst), err)
	}
	f, err := s.sftp.Create(dst)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", dst, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("sftp write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sftp close %s: %w", dst, err)
	}
	return nil
}

func (s *SFTP) Close() error {
	err := s.sftp.Close()
	if s.closeConn != nil {
		if cerr := s.closeConn(); err == nil {
			err = cerr
		}
	}
	return err
}
