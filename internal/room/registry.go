package room

// Connection ties a live transport connection to the room it joined.
type Connection struct {
	ID       string
	RoomCode string
	Username string
}

// Registry maps connection ids to their room and display name.
// Like Store, it is owned by a single goroutine.
type Registry struct {
	conns map[string]Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Connection)}
}

func (r *Registry) Register(connID, roomCode, username string) {
	r.conns[connID] = Connection{ID: connID, RoomCode: roomCode, Username: username}
}

func (r *Registry) Lookup(connID string) (Connection, bool) {
	c, ok := r.conns[connID]
	return c, ok
}

func (r *Registry) Unregister(connID string) {
	delete(r.conns, connID)
}

func (r *Registry) Len() int {
	return len(r.conns)
}
