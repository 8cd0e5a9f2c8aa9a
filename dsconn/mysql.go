package dsconn

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sync"

	"github.com/cockroachdb/dsinspect/mysqlurl"
	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLConn is a connection to MySQL.
type MySQLConn struct {
	id ID
	*sql.DB
	database string
	slot     int
	dialer   *Dialer
}

var _ Conn = (*MySQLConn)(nil)

// mysqlDialers hands each open connection its own network name in the
// driver's process-global dial registry. Names are reused once released, so
// the registry holds at most one entry per concurrently open connection.
var mysqlDialers = &dialerSlots{register: mysql.RegisterDialContext}

type dialerSlots struct {
	register func(net string, dial mysql.DialContextFunc)

	mu      sync.Mutex
	dialers []*Dialer
}

func slotNetName(slot int) string {
	return fmt.Sprintf("dsinspect+%d", slot)
}

// acquire binds d to a free slot and returns it with its network name.
func (s *dialerSlots) acquire(d *Dialer) (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.dialers {
		if cur == nil {
			s.dialers[i] = d
			return i, slotNetName(i)
		}
	}
	slot := len(s.dialers)
	s.dialers = append(s.dialers, d)
	s.register(slotNetName(slot), func(ctx context.Context, addr string) (net.Conn, error) {
		return s.dial(ctx, slot, addr)
	})
	return slot, slotNetName(slot)
}

// release frees slot if it is still bound to d.
func (s *dialerSlots) release(slot int, d *Dialer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < len(s.dialers) && s.dialers[slot] == d {
		s.dialers[slot] = nil
	}
}

func (s *dialerSlots) dial(ctx context.Context, slot int, addr string) (net.Conn, error) {
	s.mu.Lock()
	d := s.dialers[slot]
	s.mu.Unlock()
	if d == nil {
		return nil, errors.AssertionFailedf("dial on released mysql network %s", slotNetName(slot))
	}
	return d.DialContext(ctx, "tcp", addr)
}

func ConnectMySQL(ctx context.Context, desc Descriptor, dialer *Dialer) (_ *MySQLConn, retErr error) {
	slot, netName := mysqlDialers.acquire(dialer)
	defer func() {
		if retErr != nil {
			mysqlDialers.release(slot, dialer)
		}
	}()
	cfg, err := mysqlurl.NewConfig(netName, desc.Addr(), desc.Username, desc.Password, desc.Database, desc.Options)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = dialer.timeout
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating connector for %s", desc.ID)
	}
	db := sql.OpenDB(connector)
	// Each operation uses a single session.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1045 {
			return nil, markAuth(err)
		}
		return nil, err
	}
	return &MySQLConn{id: desc.ID, DB: db, database: desc.Database, slot: slot, dialer: dialer}, nil
}

func (c *MySQLConn) ID() ID {
	return c.id
}

func (c *MySQLConn) Kind() Kind {
	return KindMySQL
}

func (c *MySQLConn) Close(ctx context.Context) error {
	err := c.DB.Close()
	if c.dialer != nil {
		mysqlDialers.release(c.slot, c.dialer)
	}
	return err
}

// Database is the database named by the source. If empty, the server
// default applies.
func (c *MySQLConn) Database() string {
	return c.database
}

func (c *MySQLConn) Dialect() string {
	return "MySQL"
}
