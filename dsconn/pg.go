package dsconn

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PGConn is a connection to PostgreSQL or CockroachDB.
type PGConn struct {
	id ID
	*pgx.Conn
	version     string
	isCockroach bool
}

var _ Conn = (*PGConn)(nil)

func NewPGConn(id ID, conn *pgx.Conn, version string) *PGConn {
	return &PGConn{
		id:          id,
		Conn:        conn,
		version:     version,
		isCockroach: strings.Contains(version, "CockroachDB"),
	}
}

// PGConnStr builds a postgres URL for desc. Options are passed as URL
// parameters, so sslmode and friends can be set there.
func PGConnStr(desc Descriptor) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   desc.Addr(),
		Path:   "/" + desc.Database,
	}
	if desc.Username != "" {
		if desc.Password != "" {
			u.User = url.UserPassword(desc.Username, desc.Password)
		} else {
			u.User = url.User(desc.Username)
		}
	}
	q := make(url.Values)
	keys := make([]string, 0, len(desc.Options))
	for k := range desc.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, desc.Options[k])
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func ConnectPG(ctx context.Context, desc Descriptor, dialer *Dialer) (*PGConn, error) {
	cfg, err := pgx.ParseConfig(PGConnStr(desc))
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing connection config for %s", desc.ID)
	}
	cfg.DialFunc = dialer.DialContext
	if dialer.timeout > 0 {
		cfg.ConnectTimeout = dialer.timeout
	}
	if dialer.Tunneled() {
		// Names are resolved on the far side of the tunnel.
		cfg.LookupFunc = func(ctx context.Context, host string) ([]string, error) {
			return []string{host}, nil
		}
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "28P01" || pgErr.Code == "28000") {
			return nil, markAuth(err)
		}
		return nil, err
	}
	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		_ = conn.Close(ctx)
		return nil, errors.Wrap(err, "error determining server version")
	}
	return NewPGConn(desc.ID, conn, version), nil
}

func (c *PGConn) ID() ID {
	return c.id
}

func (c *PGConn) Kind() Kind {
	return KindPostgreSQL
}

func (c *PGConn) IsCockroach() bool {
	return c.isCockroach
}

func (c *PGConn) Version() string {
	return c.version
}

func (c *PGConn) Dialect() string {
	if c.IsCockroach() {
		return "CockroachDB"
	}
	return "PostgreSQL"
}
