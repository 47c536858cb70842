package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagedoor-io/stagedoor/internal/proto"
)

// session owns the control channel to one daemon. After registration every
// read and write goes through the service accept loop, which is what keeps
// callback handshakes serialized without any locking here.
type session struct {
	lc            *proto.LineConn
	advertiseHost string
}

func newSession(lc *proto.LineConn, advertiseHost string) *session {
	return &session{lc: lc, advertiseHost: advertiseHost}
}

// register runs the registration exchange: read the service name from the
// daemon, answer with the address clients should connect to. The answer is
// flushed before register returns so the daemon can hand it out right away.
func (s *session) register(port int, timeout time.Duration) (string, error) {
	name, err := s.lc.ReadLine(timeout)
	if err != nil {
		return "", fmt.Errorf("read service name: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty service name")
	}
	if err := s.lc.WriteLine(s.callbackAddr(port), timeout); err != nil {
		return "", fmt.Errorf("write advertised address: %w", err)
	}
	return name, nil
}

// requestCallback asks the daemon to dial the single-use endpoint on the
// given port and waits for its ack line. The ack's content is ignored, only
// its arrival matters.
func (s *session) requestCallback(port int, timeout time.Duration) error {
	if err := s.lc.WriteLine(s.callbackAddr(port), timeout); err != nil {
		return fmt.Errorf("write callback address: %w", err)
	}
	if _, err := s.lc.ReadLine(timeout); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	return nil
}

// callbackAddr joins the advertised host with a port. The host defaults to
// the relay's own address as observed on this control connection.
func (s *session) callbackAddr(port int) string {
	host := s.advertiseHost
	if host == "" {
		host = proto.Host(s.lc.LocalAddr())
	}
	return proto.JoinHostPort(host, port)
}

func (s *session) remoteAddr() string { return s.lc.RemoteAddr().String() }

func (s *session) close() error { return s.lc.Close() }
