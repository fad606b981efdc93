package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"net"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

// connIdent labels one client connection in log lines: a random 6-hex-digit
// id plus "user@ip", bare "ip", or "unknown" when the peer address cannot be
// determined.
type connIdent struct {
	ID     string
	Client string
}

func newConnIdent(conn net.Conn) connIdent {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		copy(buf[:], []byte{0, 0, 0})
	}

	client := "unknown"
	if conn != nil {
		if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			client = addr.IP.String()
		} else if conn.RemoteAddr() != nil {
			if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
				client = host
			}
		}
	}

	return connIdent{ID: hex.EncodeToString(buf[:]), Client: client}
}

// withUser returns a copy of the ident labelled "user@ip" after successful
// authentication.
func (c connIdent) withUser(user string) connIdent {
	if user == "" {
		return c
	}
	return connIdent{ID: c.ID, Client: user + "@" + c.Client}
}

// logFor prefixes a log format string with the connection identity.
func logFor(c connIdent, format string) string {
	return logger.WithIdent(c.ID, c.Client, format)
}
