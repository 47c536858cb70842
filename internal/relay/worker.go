package relay

import (
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"github.com/stagedoor-io/stagedoor/internal/obs"
)

// relayPair shuttles bytes between a client and a daemon connection until
// either side closes, then closes both ends.
func relayPair(client, daemon net.Conn, log pslog.Logger) {
	start := time.Now()

	var once sync.Once
	closeBoth := func() {
		client.Close()
		daemon.Close()
	}

	var up, down int64
	var wg sync.WaitGroup
	copyFn := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		written, _ := io.Copy(dst, src)
		*n = written
		once.Do(closeBoth)
	}

	wg.Add(2)
	go copyFn(daemon, client, &up)
	go copyFn(client, daemon, &down)
	wg.Wait()

	elapsed := time.Since(start)
	obs.RelayDurationSeconds.Observe(elapsed.Seconds())
	obs.RelayedBytesTotal.WithLabelValues("client_to_daemon").Add(float64(up))
	obs.RelayedBytesTotal.WithLabelValues("daemon_to_client").Add(float64(down))

	log.Info("relay finished",
		"client", client.RemoteAddr().String(),
		"up", humanizeBytes(up),
		"down", humanizeBytes(down),
		"duration", elapsed.Round(time.Millisecond).String())
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}
