package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gamedock/gamedock/internal/protocol"
)

// reportIdleTimeout bounds how long a silent report connection is kept. It is
// deliberately longer than the heartbeat interval children are expected to use.
const reportIdleTimeout = 5 * time.Minute

// ReportServer accepts report-channel connections from spawned game servers.
// Frames are newline-delimited JSON with the report fields at the top level.
type ReportServer struct {
	addr     string
	launcher *Launcher
}

// NewReportServer creates a report listener bound to addr.
func NewReportServer(addr string, l *Launcher) *ReportServer {
	return &ReportServer{addr: addr, launcher: l}
}

// Run listens on the configured address and accepts connections until ctx is
// cancelled.
func (s *ReportServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts report connections on listener until ctx is cancelled.
func (s *ReportServer) Serve(ctx context.Context, listener net.Listener) error {
	slog.Info("report channel listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("report accept failed", "err", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *ReportServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReaderSize(conn, 8*1024)

	for {
		conn.SetReadDeadline(time.Now().Add(reportIdleTimeout))
		line, err := br.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !protocol.IsTimeout(err) {
				slog.Debug("report read failed", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}

		var rpt Report
		if err := json.Unmarshal(line, &rpt); err != nil {
			s.reply(conn, protocol.Error(protocol.GameReport, "", protocol.CodeAuth, "malformed report"))
			continue
		}
		if rpt.Type != "" && rpt.Type != protocol.GameReport {
			s.reply(conn, protocol.Error(rpt.Type, "", protocol.CodeUnknownType, "unknown type"))
			continue
		}

		if err := s.launcher.HandleReport(ctx, rpt); err != nil {
			s.reply(conn, protocol.Error(protocol.GameReport, "", protocol.CodeAuth, err.Error()))
			continue
		}
		s.reply(conn, protocol.OK(protocol.GameReport, "", nil))
	}
}

func (s *ReportServer) reply(conn net.Conn, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}
