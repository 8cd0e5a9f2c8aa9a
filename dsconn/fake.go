package dsconn

import "context"

// FakeConn is a Conn which does nothing, for tests.
type FakeConn struct {
	id   ID
	kind Kind
}

func MakeFakeConn(id ID, kind Kind) FakeConn {
	return FakeConn{id: id, kind: kind}
}

func (f FakeConn) ID() ID {
	return f.id
}

func (f FakeConn) Kind() Kind {
	return f.kind
}

func (f FakeConn) Close(ctx context.Context) error {
	return nil
}

func (f FakeConn) Dialect() string {
	return "fake"
}
