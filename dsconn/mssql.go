package dsconn

import (
	"context"
	"database/sql"
	"net/url"
	"sort"

	"github.com/cockroachdb/errors"
	mssql "github.com/microsoft/go-mssqldb"
)

// MSSQLConn is a connection to SQL Server.
type MSSQLConn struct {
	id ID
	*sql.DB
}

var _ Conn = (*MSSQLConn)(nil)

// MSSQLConnStr builds a sqlserver URL for desc.
func MSSQLConnStr(desc Descriptor) string {
	u := url.URL{
		Scheme: "sqlserver",
		Host:   desc.Addr(),
	}
	if desc.Username != "" {
		u.User = url.UserPassword(desc.Username, desc.Password)
	}
	q := make(url.Values)
	if desc.Database != "" {
		q.Set("database", desc.Database)
	}
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

func ConnectMSSQL(ctx context.Context, desc Descriptor, dialer *Dialer) (*MSSQLConn, error) {
	connector, err := mssql.NewConnector(MSSQLConnStr(desc))
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing connection config for %s", desc.ID)
	}
	connector.Dialer = dialer
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		var msErr mssql.Error
		if errors.As(err, &msErr) && msErr.Number == 18456 {
			return nil, markAuth(err)
		}
		return nil, err
	}
	return &MSSQLConn{id: desc.ID, DB: db}, nil
}

func (c *MSSQLConn) ID() ID {
	return c.id
}

func (c *MSSQLConn) Kind() Kind {
	return KindSQLServer
}

func (c *MSSQLConn) Close(ctx context.Context) error {
	return c.DB.Close()
}

func (c *MSSQLConn) Dialect() string {
	return "SQL Server"
}
