package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/servicematch/internal/auth"
	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/realtime"
)

const roomPrefix = "request:"

// RequestReader loads a request by id.
type RequestReader interface {
	Get(ctx context.Context, id string) (domain.Request, error)
}

// RoomAccess lets a user into a request room only when the user takes part in
// that request: its requester, its assigned worker or an offered worker.
type RoomAccess struct {
	requests RequestReader
}

// NewRoomAccess builds a realtime.RoomAuthorizer over requests.
func NewRoomAccess(requests RequestReader) *RoomAccess {
	return &RoomAccess{requests: requests}
}

// AuthorizeRoom implements realtime.RoomAuthorizer.
func (a *RoomAccess) AuthorizeRoom(ctx context.Context, h realtime.Handle, room string) error {
	if h.Role == auth.RoleAdmin {
		return nil
	}
	id, ok := strings.CutPrefix(room, roomPrefix)
	if !ok || id == "" {
		return fmt.Errorf("%w: %q is not a request room", realtime.ErrRoomForbidden, room)
	}
	req, err := a.requests.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s", realtime.ErrRoomForbidden, room)
	}
	if err != nil {
		return err
	}
	if !req.Involves(h.UserID) {
		return fmt.Errorf("%w: %s", realtime.ErrRoomForbidden, room)
	}
	return nil
}
