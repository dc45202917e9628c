package echoloop

// ConnTable owns every Connection of one event loop, keyed by fd.
// Only the owning loop goroutine may touch it, so it has no lock.
type ConnTable struct {
	conns map[int]*Connection
}

func NewConnTable(sizeHint int) *ConnTable {
	return &ConnTable{
		conns: make(map[int]*Connection, sizeHint),
	}
}

// Add reports false if the fd is already present.
func (t *ConnTable) Add(conn *Connection) bool {
	if _, ok := t.conns[conn.fd]; ok {
		return false
	}
	t.conns[conn.fd] = conn
	return true
}

func (t *ConnTable) FindByFd(fd int) (*Connection, bool) {
	conn, ok := t.conns[fd]
	return conn, ok
}

// Remove deletes the record of fd, reporting whether one was present.
func (t *ConnTable) Remove(fd int) (*Connection, bool) {
	conn, ok := t.conns[fd]
	if ok {
		delete(t.conns, fd)
	}
	return conn, ok
}

func (t *ConnTable) Len() int {
	return len(t.conns)
}

// Snapshot returns the current records so callers may remove while iterating.
func (t *ConnTable) Snapshot() []*Connection {
	list := make([]*Connection, 0, len(t.conns))
	for _, conn := range t.conns {
		list = append(list, conn)
	}
	return list
}
