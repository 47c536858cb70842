package daemon

import (
	"bufio"
	"io"
	"net"
	"sync"

	"pkt.systems/pslog"
)

// Proxy returns a handler that pipes each relayed client to the local
// service listening at target.
func Proxy(target string, log pslog.Logger) Handler {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return func(c net.Conn) {
		upstream, err := net.Dial("tcp", target)
		if err != nil {
			log.Warn("upstream dial failed", "target", target, "error", err)
			return
		}

		var once sync.Once
		closeBoth := func() {
			c.Close()
			upstream.Close()
		}
		var wg sync.WaitGroup
		copyFn := func(dst, src net.Conn) {
			defer wg.Done()
			io.Copy(dst, src)
			once.Do(closeBoth)
		}
		wg.Add(2)
		go copyFn(upstream, c)
		go copyFn(c, upstream)
		wg.Wait()
	}
}

// Echo returns a handler that answers every line with the same line.
func Echo(log pslog.Logger) Handler {
	if log == nil {
		log = pslog.NoopLogger()
	}
	return func(c net.Conn) {
		w := bufio.NewWriter(c)
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			if _, err := w.WriteString(sc.Text() + "\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
		if err := sc.Err(); err != nil {
			log.Debug("echo session ended", "error", err)
		}
	}
}
