package supervisor

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/vmmd-project/vmmd/internal/logging"
	"github.com/vmmd-project/vmmd/internal/wire"
)

// helperKind names which of the three outbound helper connections a frame
// belongs to.
type helperKind string

const (
	helperConsole helperKind = "console"
	helperStats   helperKind = "stats"
	helperLog     helperKind = "log"
)

// outboundFrame is one message queued for delivery to a helper.
type outboundFrame struct {
	header  wire.Header
	payload []byte
}

// helperChannel is an ordered outbound queue plus a persistent connection
// to a helper process. Its sender goroutine drains the queue in submission
// order and writes each frame to conn.
type helperChannel struct {
	kind      helperKind
	conn      net.Conn
	queue     chan outboundFrame
	essential bool // console and log are essential: a write error is fatal to the daemon
	logger    *slog.Logger

	fatal chan error // closed (with an error sent first) when the sender dies
}

func newHelperChannel(kind helperKind, conn net.Conn, essential bool, queueDepth int, logger *slog.Logger) *helperChannel {
	hc := &helperChannel{
		kind:      kind,
		conn:      conn,
		queue:     make(chan outboundFrame, queueDepth),
		essential: essential,
		logger:    logging.WithHelper(logger, string(kind)),
		fatal:     make(chan error, 1),
	}
	go hc.run()
	return hc
}

// Send enqueues a frame for delivery. It never blocks past the channel's
// bounded queue depth, providing the backpressure spec.md §9 calls for.
func (hc *helperChannel) Send(header wire.Header, payload []byte) {
	hc.queue <- outboundFrame{header: header, payload: payload}
}

func (hc *helperChannel) run() {
	for frame := range hc.queue {
		if err := wire.WriteFrame(hc.conn, frame.header, frame.payload); err != nil {
			hc.logger.Error("helper write failed", "error", err)
			hc.fatal <- fmt.Errorf("write to %s helper: %w", hc.kind, err)
			close(hc.fatal)
			hc.conn.Close()
			return
		}
	}
}

// Close stops accepting new frames and closes the underlying connection.
func (hc *helperChannel) Close() {
	close(hc.queue)
	hc.conn.Close()
}
