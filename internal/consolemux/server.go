package consolemux

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	"github.com/vmmd-project/vmmd/internal/wire"
)

// Server accepts connections on a unix socket and dispatches Add/Attach/
// Detach/History requests to a Multiplexer. It is the console helper
// process's event loop.
type Server struct {
	mux          *Multiplexer
	ringCapacity int
}

// NewServer wraps mux for socket-driven dispatch.
func NewServer(mux *Multiplexer, ringCapacity int) *Server {
	return &Server{mux: mux, ringCapacity: ringCapacity}
}

// Serve accepts connections on socketPath until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return err
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serve(conn)
	}
}

// serve handles every request on one connection until it errs or closes.
// Attach and History replies (and the Data stream History emits) travel on
// this same connection, per spec.md §6.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	for {
		header, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// I/O errors on a client connection close only that
				// client, never the multiplexer or its readers.
			}
			return
		}

		switch header.Tag {
		case wire.TagAddConsole:
			s.handleAdd(conn, header)
		case wire.TagAttachConsole:
			s.handleAttach(conn, header)
		case wire.TagDetachConsole:
			s.handleDetach(conn, header)
		case wire.TagHistory:
			s.handleHistory(conn, header, payload)
		default:
			reply(conn, header, false, "unexpected tag for console socket")
		}
	}
}

func (s *Server) handleAdd(conn net.Conn, header wire.Header) {
	name := header.ID.String()
	if err := s.mux.CreateFifo(name); err != nil {
		reply(conn, header, false, err.Error())
		return
	}
	if err := s.mux.Add(name, s.ringCapacity); err != nil {
		reply(conn, header, false, err.Error())
		return
	}
	reply(conn, header, true, "reading")
}

func (s *Server) handleAttach(conn net.Conn, header wire.Header) {
	name := header.ID.String()
	if !s.mux.Attach(name, conn) {
		reply(conn, header, false, "not found")
		return
	}
	reply(conn, header, true, "attached")
}

func (s *Server) handleDetach(conn net.Conn, header wire.Header) {
	name := header.ID.String()
	s.mux.Detach(name)
	reply(conn, header, true, "removed")
}

func (s *Server) handleHistory(conn net.Conn, header wire.Header, payload []byte) {
	name := header.ID.String()
	req, err := wire.DecodeHistory(payload)
	if err != nil {
		reply(conn, header, false, "malformed history request")
		return
	}

	entries, ok := s.mux.History(name, req.Since)
	if !ok {
		reply(conn, header, false, "no such console: "+name)
		return
	}

	for _, e := range entries {
		dataPayload := wire.EncodeData(wire.DataPayload{ID: header.ID, At: e.At, Line: e.Line})
		if err := wire.WriteFrame(conn, wire.Header{Version: wire.Version, Tag: wire.TagData, ID: header.ID}, dataPayload); err != nil {
			return
		}
	}
	reply(conn, header, true, "success")
}

func reply(conn net.Conn, header wire.Header, ok bool, msg string) {
	tag := wire.TagFail
	if ok {
		tag = wire.TagSuccess
	}
	_ = wire.WriteFrame(conn, wire.Header{Version: wire.Version, Tag: tag, ID: header.ID}, wire.EncodeReply(wire.ReplyPayload{Message: msg}))
}
