package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type logsRequest struct {
	Token  string `json:"token"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Filter string `json:"filter"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// session serves one admin connection. The stream is the connection: its
// session is revoked when the stream ends for any reason.
func (s *Server) session(stream grpc.ServerStream) error {
	ctx := stream.Context()
	connID := uuid.NewString()
	source := peerSource(ctx)
	defer s.deps.Console.Disconnect(connID)

	s.deps.Logger.Debug("admin connected", "conn", connID, "source", source)

	for {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		env, err := readEnvelope(in)
		if err != nil {
			if err := s.send(stream, EventError, errorResponse{Message: "malformed request"}); err != nil {
				return err
			}
			continue
		}

		event, data, err := s.dispatch(ctx, source, connID, env)
		if err != nil {
			s.deps.Logger.Error("admin request failed", "event", env.Event, "conn", connID, "err", err)
			event, data = EventError, errorResponse{Message: "internal error"}
		}
		if event == "" {
			continue
		}
		if err := s.send(stream, event, data); err != nil {
			return err
		}
	}
}

// dispatch returns the reply for one request. An empty event means no reply:
// gated requests without a valid session are ignored.
func (s *Server) dispatch(ctx context.Context, source, connID string, env envelope) (string, any, error) {
	console := s.deps.Console

	switch env.Event {
	case EventAdminLogin:
		var req loginRequest
		if err := decodeData(env.Data, &req); err != nil {
			return EventError, errorResponse{Message: "malformed request"}, nil
		}
		resp, err := console.Login(ctx, source, connID, req.Username, req.Password)
		if err != nil {
			return "", nil, err
		}
		return EventLoginResponse, resp, nil

	case EventGetLogs:
		var req logsRequest
		if err := decodeData(env.Data, &req); err != nil {
			return "", nil, nil
		}
		page, ok, err := console.Logs(ctx, connID, req.Token, store.LogQuery{
			Limit:  req.Limit,
			Offset: req.Offset,
			Filter: types.ParseLogFilter(req.Filter),
		})
		if !ok {
			return "", nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		return EventLogsResponse, page, nil

	case EventClearLogs:
		var req logsRequest
		if err := decodeData(env.Data, &req); err != nil {
			return "", nil, nil
		}
		page, ok, err := console.Clear(ctx, connID, req.Token)
		if !ok {
			return "", nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		return EventLogsResponse, page, nil

	case EventAdminLogout:
		var req logsRequest
		_ = decodeData(env.Data, &req)
		return EventLogoutResponse, console.Logout(connID, req.Token), nil

	default:
		return EventError, errorResponse{Message: "unknown event " + env.Event}, nil
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(raw, v)
}

// peerSource identifies the client host for login throttling.
func peerSource(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
