package grpcapi

import (
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// watch replays every room snapshot then streams live updates. The viewer
// subscribes before reading snapshots so nothing ingested in between is lost;
// an update may therefore arrive twice.
func (s *Server) watch(stream grpc.ServerStream) error {
	ctx := stream.Context()

	sub := s.deps.Hub.Subscribe()
	defer sub.Cancel()

	states, err := s.deps.Store.RoomStates(ctx)
	if err != nil {
		s.deps.Logger.Error("watch: load room states", "err", err)
		return status.Error(codes.Internal, "load room states")
	}
	rooms := make([]string, 0, len(states))
	for id := range states {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	for _, id := range rooms {
		u := types.RoomUpdateFromState(states[id])
		if err := s.send(stream, EventUpdateRoom, u.Fields()); err != nil {
			return err
		}
	}

	s.deps.Logger.Debug("viewer joined", "sub", sub.ID, "rooms", len(rooms))
	defer s.deps.Logger.Debug("viewer left", "sub", sub.ID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.Updates:
			if !ok {
				return nil
			}
			if err := s.send(stream, EventUpdateRoom, u.Fields()); err != nil {
				return err
			}
		}
	}
}
