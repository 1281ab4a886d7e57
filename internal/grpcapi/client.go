package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// Client talks to a keybox gRPC server.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// WatchStream yields room updates, snapshots first.
type WatchStream struct {
	cs grpc.ClientStream
}

func (c *Client) Watch(ctx context.Context) (*WatchStream, error) {
	cs, err := c.conn.NewStream(ctx, &roomFeedDesc.Streams[0], watchMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{cs: cs}, nil
}

func (w *WatchStream) Recv() (types.RoomUpdate, error) {
	msg := new(structpb.Struct)
	if err := w.cs.RecvMsg(msg); err != nil {
		return types.RoomUpdate{}, err
	}
	var env struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := fromStruct(msg, &env); err != nil {
		return types.RoomUpdate{}, err
	}
	if env.Event != EventUpdateRoom {
		return types.RoomUpdate{}, fmt.Errorf("unexpected event %q", env.Event)
	}
	return types.RoomUpdateFromFields(env.Data), nil
}

// AdminStream is one admin connection. Requests and replies are matched by
// order; gated requests without a session get no reply at all.
type AdminStream struct {
	cs grpc.ClientStream
}

func (c *Client) Admin(ctx context.Context) (*AdminStream, error) {
	cs, err := c.conn.NewStream(ctx, &adminDesc.Streams[0], sessionMethod)
	if err != nil {
		return nil, err
	}
	return &AdminStream{cs: cs}, nil
}

func (a *AdminStream) Send(event string, data any) error {
	msg, err := newEnvelope(event, data)
	if err != nil {
		return err
	}
	return a.cs.SendMsg(msg)
}

// Recv returns the next reply's event name and decodes its data into v.
func (a *AdminStream) Recv(v any) (string, error) {
	msg := new(structpb.Struct)
	if err := a.cs.RecvMsg(msg); err != nil {
		return "", err
	}
	env, err := readEnvelope(msg)
	if err != nil {
		return "", err
	}
	if v != nil && len(env.Data) > 0 {
		if err := decodeData(env.Data, v); err != nil {
			return env.Event, err
		}
	}
	return env.Event, nil
}

func (a *AdminStream) Login(username, password string) (types.LoginResponse, error) {
	var resp types.LoginResponse
	if err := a.call(EventAdminLogin, loginRequest{Username: username, Password: password}, EventLoginResponse, &resp); err != nil {
		return types.LoginResponse{}, err
	}
	return resp, nil
}

func (a *AdminStream) Logs(token string, q store.LogQuery) (types.LogsResponse, error) {
	var resp types.LogsResponse
	req := logsRequest{Token: token, Limit: q.Limit, Offset: q.Offset, Filter: string(q.Filter)}
	if err := a.call(EventGetLogs, req, EventLogsResponse, &resp); err != nil {
		return types.LogsResponse{}, err
	}
	return resp, nil
}

func (a *AdminStream) Clear(token string) (types.LogsResponse, error) {
	var resp types.LogsResponse
	if err := a.call(EventClearLogs, logsRequest{Token: token}, EventLogsResponse, &resp); err != nil {
		return types.LogsResponse{}, err
	}
	return resp, nil
}

func (a *AdminStream) Logout(token string) (types.LogoutResponse, error) {
	var resp types.LogoutResponse
	if err := a.call(EventAdminLogout, logsRequest{Token: token}, EventLogoutResponse, &resp); err != nil {
		return types.LogoutResponse{}, err
	}
	return resp, nil
}

func (a *AdminStream) CloseSend() error { return a.cs.CloseSend() }

func (a *AdminStream) call(event string, req any, want string, resp any) error {
	if err := a.Send(event, req); err != nil {
		return err
	}
	got, err := a.Recv(resp)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s: unexpected reply %q", event, got)
	}
	return nil
}
