package app

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"deskline/api/internal/bus"
	"deskline/api/internal/config"
	"deskline/api/internal/rbac"
	"deskline/api/internal/search"
	"deskline/api/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

type dataStore interface {
	GetDepartment(context.Context, string) (store.Department, error)
	CompanyExists(context.Context, string) (bool, error)
	IsDepartmentMember(context.Context, string, string) (bool, error)
	IsCompanyMember(context.Context, string, string) (bool, error)
	CreateMessage(context.Context, store.NewMessage, *store.NewApproval) (store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	ListMessages(context.Context, string, int, int) ([]store.Message, error)
	ListDeletedMessages(context.Context, string) ([]store.Message, error)
	EditMessage(context.Context, string, string, string, string) (store.Message, error)
	SoftDeleteMessage(context.Context, string, string) (store.Message, bool, error)
	ForwardMessage(context.Context, store.ForwardRecord, store.NewMessage) (store.Message, error)
	ListMessageEdits(context.Context, string) ([]store.MessageEdit, error)
	ListForwards(context.Context, string) ([]store.MessageForward, error)
	GetApprovalScope(context.Context, string) (store.ApprovalScope, error)
	DecideApproval(context.Context, string, string, string, *string) (store.DocumentApproval, bool, error)
	ListPendingApprovals(context.Context, string, int, int) ([]store.ApprovalListItem, int, error)
	ListApprovals(context.Context, string, string, int, int) ([]store.ApprovalListItem, int, error)
	ListNotifications(context.Context, string, int, int) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) (bool, error)
	Ping(ctx context.Context) error
}

// Publisher hands envelopes to the distribution bus. It never fails a
// caller; false means the envelope was dropped.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, env bus.Envelope) bool
	IsReady() bool
}

// FileResolver looks up uploaded file metadata by id.
type FileResolver interface {
	Resolve(ctx context.Context, fileID string) (store.File, error)
}

type messageSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

// Actor is the authenticated caller. Identity comes from verified token
// claims and is trusted as-is.
type Actor struct {
	ID   string
	Name string
	Role rbac.Role
}

func (a Actor) capability() rbac.Capability {
	return rbac.Capabilities(a.Role)
}

func (a Actor) privileged() bool {
	return rbac.Privileged(a.Role)
}

type Options struct {
	Publisher Publisher
	Files     FileResolver
	Search    messageSearcher
	Logger    zerolog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	bus      Publisher
	files    FileResolver
	search   messageSearcher
	validate *validator.Validate
	log      zerolog.Logger
}

func New(cfg config.Config, dataStore dataStore, opts Options) *Service {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		bus:      publisher,
		files:    opts.Files,
		search:   opts.Search,
		validate: validator.New(),
		log:      opts.Logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// BusReady reports whether envelopes are currently being delivered.
func (s *Service) BusReady() bool {
	return s.bus.IsReady()
}

// publish is best-effort: failures are logged by the bus and never reach
// the caller of the mutation.
func (s *Service) publish(ctx context.Context, exchange, routingKey string, payload any) {
	env, err := bus.NewEnvelope(routingKey, payload)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("routing_key", routingKey).Msg("build envelope")
		return
	}
	if !s.bus.Publish(ctx, exchange, routingKey, env) {
		zerolog.Ctx(ctx).Debug().Str("routing_key", routingKey).Msg("envelope not delivered")
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, bus.Envelope) bool { return false }
func (nopPublisher) IsReady() bool                                              { return false }

// pageBounds validates page and limit and returns limit and offset.
func pageBounds(page, limit int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = defaultPageLimit
	}
	if page < 1 {
		return 0, 0, badRequest("page must be at least 1")
	}
	if limit < 1 || limit > maxPageLimit {
		return 0, 0, badRequest("limit must be between 1 and 100")
	}
	return limit, (page - 1) * limit, nil
}
