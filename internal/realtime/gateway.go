// Package realtime is the websocket gateway. Clients join department rooms
// and receive message and document events for them as they are published.
package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"deskline/api/internal/auth"
	"deskline/api/internal/presence"
	"deskline/api/internal/rbac"
	"deskline/api/internal/store"
	"deskline/api/internal/util"
)

const (
	FrameJoin        = "join"
	FrameLeave       = "leave"
	FrameTypingStart = "typing.start"
	FrameTypingStop  = "typing.stop"

	FrameJoined          = "joined"
	FramePresenceOnline  = "presence.online"
	FramePresenceOffline = "presence.offline"
	FramePresenceList    = "presence.snapshot"
	FrameError           = "error"
)

const writeTimeout = 5 * time.Second

var (
	errDepartmentNotFound = errors.New("department not found")
	errNoAccess           = errors.New("no access to this department")
)

// ClientFrame is what connected clients send.
type ClientFrame struct {
	Type         string `json:"type"`
	DepartmentID string `json:"departmentId"`
}

// ServerFrame is what the gateway sends. Bus events reuse Type, Payload and
// Timestamp from the envelope unchanged.
type ServerFrame struct {
	Type         string          `json:"type"`
	DepartmentID string          `json:"departmentId,omitempty"`
	CompanyID    string          `json:"companyId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	UserName     string          `json:"userName,omitempty"`
	Online       []string        `json:"online,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

type accessStore interface {
	GetDepartment(ctx context.Context, departmentID string) (store.Department, error)
	IsDepartmentMember(ctx context.Context, departmentID, userID string) (bool, error)
}

type presenceStore interface {
	Join(ctx context.Context, room presence.Room, userID string) (bool, error)
	Leave(ctx context.Context, room presence.Room, userID string) (bool, error)
	Refresh(ctx context.Context, room presence.Room) error
	Online(ctx context.Context, room presence.Room) ([]string, error)
}

type Options struct {
	Store          accessStore
	Presence       presenceStore
	JWTSecret      string
	OriginPatterns []string
	OutboxSize     int
	RefreshEvery   time.Duration
	Logger         zerolog.Logger
}

type Gateway struct {
	hub      *Hub
	store    accessStore
	presence presenceStore
	secret   []byte
	origins  []string
	outbox   int
	refresh  time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewGateway(opts Options) *Gateway {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = time.Minute
	}
	logger := opts.Logger.With().Str("component", "realtime").Logger()
	return &Gateway{
		hub:      NewHub(logger),
		store:    opts.Store,
		presence: opts.Presence,
		secret:   []byte(opts.JWTSecret),
		origins:  opts.OriginPatterns,
		outbox:   opts.OutboxSize,
		refresh:  opts.RefreshEvery,
		log:      logger,
		now:      time.Now,
	}
}

// Run drives the hub and keeps presence keys of occupied rooms alive until
// ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	go g.hub.Run(ctx)

	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, room := range g.hub.Rooms() {
				if err := g.presence.Refresh(ctx, room); err != nil {
					g.log.Warn().Err(err).Str("department_id", room.DepartmentID).Msg("refresh presence")
				}
			}
		}
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	claims, err := auth.ParseToken(g.secret, token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","error":"Unauthorized"}` + "\n"))
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(g.origins) > 0 {
		opts.OriginPatterns = g.origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		id:       util.NewID("ws"),
		userID:   claims.Subject,
		userName: claims.Name,
		send:     make(chan []byte, g.outbox),
	}
	if !g.hub.Register(c) {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	logger := g.log.With().Str("client_id", c.id).Str("user_id", c.userID).Logger()

	go g.writeLoop(ctx, cancel, conn, c)

	session := &session{
		gateway: g,
		client:  c,
		role:    rbac.Normalize(claims.Role),
		joined:  make(map[string]presence.Room),
		log:     logger,
	}
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			break
		}
		session.handle(ctx, frame)
	}

	// Reads stopped; the socket may be gone but presence still needs cleanup.
	session.leaveAll(context.WithoutCancel(ctx))
	g.hub.Unregister(c)
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}

func (g *Gateway) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *client) {
	for frame := range c.send {
		writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, frame)
		cancelWrite()
		if err != nil {
			cancel()
			// Drain so the hub can keep delivering until it closes the outbox.
			for range c.send {
			}
			return
		}
	}
	cancel()
}

// authorize repeats the department check on the realtime side instead of
// trusting anything the client says.
func (g *Gateway) authorize(ctx context.Context, departmentID, userID string, role rbac.Role) (presence.Room, error) {
	department, err := g.store.GetDepartment(ctx, departmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return presence.Room{}, errDepartmentNotFound
	}
	if err != nil {
		return presence.Room{}, err
	}
	if !department.IsActive {
		return presence.Room{}, errDepartmentNotFound
	}
	room := presence.Room{CompanyID: department.CompanyID, DepartmentID: department.ID}
	if rbac.Privileged(role) {
		return room, nil
	}
	member, err := g.store.IsDepartmentMember(ctx, departmentID, userID)
	if err != nil {
		return presence.Room{}, err
	}
	if !member {
		return presence.Room{}, errNoAccess
	}
	return room, nil
}

func (g *Gateway) encode(frame ServerFrame) []byte {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = g.now().UTC()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		g.log.Error().Err(err).Str("type", frame.Type).Msg("encode frame")
		return nil
	}
	return data
}

// session is the per-connection state, owned by the connection's read loop.
type session struct {
	gateway *Gateway
	client  *client
	role    rbac.Role
	joined  map[string]presence.Room
	log     zerolog.Logger
}

func (s *session) handle(ctx context.Context, frame ClientFrame) {
	departmentID := strings.TrimSpace(frame.DepartmentID)
	switch frame.Type {
	case FrameJoin:
		s.join(ctx, departmentID)
	case FrameLeave:
		if room, ok := s.joined[departmentID]; ok {
			s.leave(ctx, room)
		}
	case FrameTypingStart, FrameTypingStop:
		room, ok := s.joined[departmentID]
		if !ok {
			s.fail(departmentID, "join the department first")
			return
		}
		s.gateway.hub.Broadcast(room, s.gateway.encode(ServerFrame{
			Type:         frame.Type,
			DepartmentID: room.DepartmentID,
			CompanyID:    room.CompanyID,
			UserID:       s.client.userID,
			UserName:     s.client.userName,
		}), s.client)
	default:
		s.fail(departmentID, "unknown frame type")
	}
}

func (s *session) join(ctx context.Context, departmentID string) {
	g := s.gateway
	if departmentID == "" {
		s.fail(departmentID, "departmentId is required")
		return
	}
	if _, ok := s.joined[departmentID]; ok {
		return
	}

	room, err := g.authorize(ctx, departmentID, s.client.userID, s.role)
	switch {
	case errors.Is(err, errDepartmentNotFound), errors.Is(err, errNoAccess):
		s.fail(departmentID, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Str("department_id", departmentID).Msg("authorize join")
		s.fail(departmentID, "join failed")
		return
	}

	g.hub.Join(s.client, room)
	s.joined[departmentID] = room

	first, err := g.presence.Join(ctx, room, s.client.userID)
	if err != nil {
		s.log.Warn().Err(err).Str("department_id", departmentID).Msg("presence join")
		first = true
	}
	if first {
		g.hub.Broadcast(room, g.encode(ServerFrame{
			Type:         FramePresenceOnline,
			DepartmentID: room.DepartmentID,
			CompanyID:    room.CompanyID,
			UserID:       s.client.userID,
			UserName:     s.client.userName,
		}), s.client)
	}

	online, err := g.presence.Online(ctx, room)
	if err != nil {
		s.log.Warn().Err(err).Str("department_id", departmentID).Msg("presence snapshot")
		online = []string{s.client.userID}
	}
	g.hub.Send(s.client, g.encode(ServerFrame{
		Type:         FrameJoined,
		DepartmentID: room.DepartmentID,
		CompanyID:    room.CompanyID,
	}))
	g.hub.Send(s.client, g.encode(ServerFrame{
		Type:         FramePresenceList,
		DepartmentID: room.DepartmentID,
		CompanyID:    room.CompanyID,
		Online:       online,
	}))
}

func (s *session) leave(ctx context.Context, room presence.Room) {
	g := s.gateway
	g.hub.Leave(s.client, room)
	delete(s.joined, room.DepartmentID)

	last, err := g.presence.Leave(ctx, room, s.client.userID)
	if err != nil {
		s.log.Warn().Err(err).Str("department_id", room.DepartmentID).Msg("presence leave")
		last = true
	}
	if last {
		g.hub.Broadcast(room, g.encode(ServerFrame{
			Type:         FramePresenceOffline,
			DepartmentID: room.DepartmentID,
			CompanyID:    room.CompanyID,
			UserID:       s.client.userID,
			UserName:     s.client.userName,
		}), s.client)
	}
}

func (s *session) leaveAll(ctx context.Context) {
	for _, room := range s.joined {
		s.leave(ctx, room)
	}
}

func (s *session) fail(departmentID, message string) {
	s.gateway.hub.Send(s.client, s.gateway.encode(ServerFrame{
		Type:         FrameError,
		DepartmentID: departmentID,
		Error:        message,
	}))
}
