package routing

import (
	"github.com/latticedb/lattice-go/utils/netutils"
)

// ServerAddress identifies a single cluster member.  It is a value type and
// can be compared with == or used as a map key.
type ServerAddress struct {
	Host string
	Port int
}

func NewServerAddress(host string, port int) ServerAddress {
	return ServerAddress{Host: host, Port: port}
}

// ParseServerAddress parses a "host:port" string as found in routing
// records.  IPv6 literals are bracketed.
func ParseServerAddress(s string) (ServerAddress, error) {
	host, port, err := netutils.SplitHostPort(s)
	if err != nil {
		return ServerAddress{}, err
	}
	return ServerAddress{Host: host, Port: port}, nil
}

func (a ServerAddress) String() string {
	return netutils.JoinHostPort(a.Host, a.Port)
}
