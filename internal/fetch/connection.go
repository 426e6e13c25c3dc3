package fetch

import (
	"time"

	"github.com/psychfeed/psychfeed/internal/config"
)

// Connection carries the per-resource fetch state. One Connection exists per
// resource; the fetch result fields reset at the start of every cycle while
// LastFiletime survives across cycles to drive conditional GETs. It is never
// persisted: a restart forgets every filetime and the first GET of each
// resource goes out unconditional.
type Connection struct {
	Resource *config.Resource
	URL      string

	// LastFiletime is the file-modification time (unix seconds) of the last
	// accepted response, 0 when unknown.
	LastFiletime int64

	// Per-cycle results, valid after Run returns.
	RequestTime time.Time
	HTTPDTime   time.Time
	Filetime    int64
	Data        []byte
	Err         error

	// settled marks the connection finished for this cycle, successfully or
	// terminally failed.
	settled bool
}

// NewConnection binds a connection to a resource.
func NewConnection(r *config.Resource) *Connection {
	return &Connection{Resource: r, URL: r.URL}
}

// NewConnections builds one connection per resource, in order.
func NewConnections(resources []config.Resource) []*Connection {
	conns := make([]*Connection, 0, len(resources))
	for i := range resources {
		conns = append(conns, NewConnection(&resources[i]))
	}
	return conns
}

// reset clears the per-cycle fields. LastFiletime is deliberately kept.
func (c *Connection) reset() {
	c.RequestTime = time.Time{}
	c.HTTPDTime = time.Time{}
	c.Filetime = 0
	c.Data = nil
	c.Err = nil
	c.settled = false
}

// Accepted reports whether this cycle produced a parseable body.
func (c *Connection) Accepted() bool {
	return c.settled && c.Err == nil && len(c.Data) > 0
}
