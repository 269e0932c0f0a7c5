// Package sshrunner executes incus CLI invocations on a remote host
// over SSH. It implements the backend's Runner contract, so the
// reconcile path is identical for local and remote daemons, and stages
// local files onto the host over SFTP for operations that need a file
// on the daemon side.
package sshrunner

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the connection authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Config holds the SSH connection settings for one remote host.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod AuthMethod

	// Password for password authentication.
	Password string

	// PrivateKeyPath and PrivateKeyPassphrase for key authentication.
	// An empty path falls back to the usual keys under ~/.ssh.
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is consulted when StrictHostKeyChecking is on.
	// With checking off any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration

	// CommandTimeout bounds each invocation. Zero means no bound beyond
	// the caller's context.
	CommandTimeout time.Duration

	// KeepAliveInterval sends periodic keep-alives on the connection.
	// Zero disables them.
	KeepAliveInterval time.Duration

	// Jump host settings. Empty JumpHost means a direct connection.
	JumpHost           string
	JumpPort           int
	JumpUser           string
	JumpAuthMethod     AuthMethod
	JumpPassword       string
	JumpPrivateKeyPath string

	// StagingDir is where SFTP staging places temporary files on the
	// remote host. Empty means /tmp.
	StagingDir string
}

// DefaultConfig returns a Config with the usual defaults for host and
// user.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		JumpPort:              22,
	}
}

// Validate checks the configuration before a connection attempt.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			home := os.Getenv("HOME")
			for _, candidate := range []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
				filepath.Join(home, ".ssh", "id_ecdsa"),
			} {
				if _, err := os.Stat(candidate); err == nil {
					c.PrivateKeyPath = candidate
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.JumpHost != "" {
		if c.JumpPort <= 0 || c.JumpPort > 65535 {
			return fmt.Errorf("invalid jump port: %d", c.JumpPort)
		}
		if c.JumpUser == "" {
			return fmt.Errorf("jump user is required when a jump host is set")
		}
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JumpAddress returns the jump host address, or empty when direct.
func (c *Config) JumpAddress() string {
	if c.JumpHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.JumpHost, c.JumpPort)
}

// clientConfig builds the ssh.ClientConfig for the target host.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	return buildClientConfig(c.User, c.AuthMethod, c.Password,
		c.PrivateKeyPath, c.PrivateKeyPassphrase,
		c.KnownHostsPath, c.StrictHostKeyChecking, c.ConnectionTimeout)
}

// jumpClientConfig builds the ssh.ClientConfig for the jump host.
func (c *Config) jumpClientConfig() (*ssh.ClientConfig, error) {
	method := c.JumpAuthMethod
	if method == "" {
		method = c.AuthMethod
	}
	return buildClientConfig(c.JumpUser, method, c.JumpPassword,
		c.JumpPrivateKeyPath, "",
		c.KnownHostsPath, c.StrictHostKeyChecking, c.ConnectionTimeout)
}

func buildClientConfig(user string, method AuthMethod, password, keyPath, passphrase, knownHosts string, strict bool, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch method {
	case AuthMethodPassword:
		auth = append(auth, ssh.Password(password))
		// Many servers only offer keyboard-interactive for the password
		// prompt.
		auth = append(auth, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			},
		))
	case AuthMethodKey:
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		var signer ssh.Signer
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(raw, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(raw)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if knownHosts != "" && strict {
		var err error
		hostKeyCallback, err = knownhosts.New(knownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
