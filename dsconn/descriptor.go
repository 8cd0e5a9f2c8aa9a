// Package dsconn establishes connections to registered data sources,
// including any proxy or SSH tunnel the source is reached through.
package dsconn

import (
	"net"
	"strconv"

	"github.com/cockroachdb/errors"
)

type ID string

// Kind is the kind of system a data source is.
type Kind string

const (
	KindPostgreSQL Kind = "postgresql"
	KindMySQL      Kind = "mysql"
	KindSQLServer  Kind = "sqlserver"
	KindKafka      Kind = "kafka"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindPostgreSQL, KindMySQL, KindSQLServer, KindKafka}

func (k Kind) Valid() bool {
	for _, o := range Kinds {
		if k == o {
			return true
		}
	}
	return false
}

// Relational reports whether the kind exposes tables.
func (k Kind) Relational() bool {
	return k == KindPostgreSQL || k == KindMySQL || k == KindSQLServer
}

// Streaming reports whether the kind exposes topics.
func (k Kind) Streaming() bool {
	return k == KindKafka
}

// DefaultPort returns the conventional port for the kind.
func (k Kind) DefaultPort() int {
	switch k {
	case KindPostgreSQL:
		return 5432
	case KindMySQL:
		return 3306
	case KindSQLServer:
		return 1433
	case KindKafka:
		return 9092
	}
	return 0
}

// ProxyType is the way a source is reached.
type ProxyType string

const (
	ProxySOCKS5 ProxyType = "socks5"
	ProxyHTTP   ProxyType = "http"
	ProxySSH    ProxyType = "ssh"
)

// ProxyConfig configures a SOCKS5 or HTTP CONNECT proxy, or an SSH tunnel
// when Type is ProxySSH.
type ProxyConfig struct {
	Type     ProxyType  `yaml:"type"`
	Host     string     `yaml:"host"`
	Port     int        `yaml:"port"`
	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
	SSH      *SSHConfig `yaml:"ssh"`
}

// SSHConfig configures an SSH tunnel. Either Password or PrivateKeyPath must
// be set. If KnownHostsPath is empty, host keys are not verified.
type SSHConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Passphrase     string `yaml:"passphrase"`
	KnownHostsPath string `yaml:"known_hosts_path"`
}

// Descriptor describes a registered data source. It is passed by value and
// never mutated once handed to a connector.
type Descriptor struct {
	ID                ID                `yaml:"id"`
	ContextID         string            `yaml:"-"`
	Name              string            `yaml:"name"`
	Kind              Kind              `yaml:"kind"`
	Host              string            `yaml:"host"`
	Port              int               `yaml:"port"`
	Database          string            `yaml:"database"`
	Username          string            `yaml:"username"`
	Password          string            `yaml:"password"`
	Proxy             *ProxyConfig      `yaml:"proxy"`
	SchemaRegistryURL string            `yaml:"schema_registry_url"`
	Options           map[string]string `yaml:"options"`
}

// Addr returns the host:port of the source itself.
func (d Descriptor) Addr() string {
	port := d.Port
	if port == 0 {
		port = d.Kind.DefaultPort()
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// Redacted returns a copy of the descriptor with secrets removed, suitable
// for logging and display.
func (d Descriptor) Redacted() Descriptor {
	const mask = "********"
	if d.Password != "" {
		d.Password = mask
	}
	if d.Proxy != nil {
		p := *d.Proxy
		if p.Password != "" {
			p.Password = mask
		}
		if p.SSH != nil {
			s := *p.SSH
			if s.Password != "" {
				s.Password = mask
			}
			if s.Passphrase != "" {
				s.Passphrase = mask
			}
			p.SSH = &s
		}
		d.Proxy = &p
	}
	return d
}

// Validate checks the descriptor is usable before any I/O happens.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.Newf("data source must have an id")
	}
	if !d.Kind.Valid() {
		return errors.Newf("data source %s: unknown kind %q", d.ID, d.Kind)
	}
	if d.Host == "" {
		return errors.Newf("data source %s: host must be set", d.ID)
	}
	if d.Port < 0 || d.Port > 65535 {
		return errors.Newf("data source %s: invalid port %d", d.ID, d.Port)
	}
	if d.Proxy != nil {
		if err := d.Proxy.validate(); err != nil {
			return errors.Wrapf(err, "data source %s", d.ID)
		}
	}
	return nil
}

func (p ProxyConfig) validate() error {
	switch p.Type {
	case ProxySOCKS5, ProxyHTTP:
		if p.Host == "" || p.Port <= 0 {
			return errors.Newf("%s proxy requires host and port", p.Type)
		}
	case ProxySSH:
		if p.SSH == nil {
			return errors.Newf("ssh proxy requires ssh configuration")
		}
		if p.SSH.Host == "" || p.SSH.Username == "" {
			return errors.Newf("ssh tunnel requires host and username")
		}
		if p.SSH.Password == "" && p.SSH.PrivateKeyPath == "" {
			return errors.Newf("ssh tunnel requires a password or private key")
		}
	default:
		return errors.Newf("unknown proxy type %q", p.Type)
	}
	return nil
}
