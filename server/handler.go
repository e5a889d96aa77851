package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/query"
	"github.com/GoCodeAlone/squirreldb/subscription"
	"github.com/GoCodeAlone/squirreldb/types"
)

// Error codes carried in protocol error envelopes.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeProtocol    = "protocol"
	CodeTimeout     = "timeout"
	CodeRateLimited = "rate_limited"
	CodeUpstream    = "upstream"
	CodeInternal    = "internal"
)

// Handler routes client messages through the query engine, the backend,
// and the subscription manager. One handler serves all connections.
type Handler struct {
	backend  db.Backend
	pool     *query.EnginePool
	executor *query.Executor
	subs     *subscription.Manager
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewHandler wires the message dispatcher.
func NewHandler(backend db.Backend, pool *query.EnginePool, subs *subscription.Manager, limiter *RateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		backend:  backend,
		pool:     pool,
		executor: query.NewExecutor(backend, pool, logger),
		subs:     subs,
		limiter:  limiter,
		logger:   logger,
	}
}

// Handle processes one client message for the given connection and
// returns the response envelope. Change events flow separately through
// the subscription manager.
func (h *Handler) Handle(ctx context.Context, conn *Conn, msg types.ClientMessage) types.ServerMessage {
	switch msg.Type {
	case types.MsgPing:
		return types.PongMessage(msg.ID)

	case types.MsgSelectProject:
		project, err := uuid.Parse(msg.Project)
		if err != nil {
			return types.ErrorMessage(msg.ID, CodeValidation, "project must be a UUID")
		}
		conn.Project = project
		return types.ServerMessage{Type: types.MsgProjectSelected, ID: msg.ID, Data: project}

	case types.MsgQuery:
		return h.handleQuery(ctx, conn, msg)

	case types.MsgSubscribe:
		if err := h.subs.Subscribe(ctx, conn.ClientID, msg.ID, msg.Query); err != nil {
			return errorResponse(msg.ID, err)
		}
		return types.SubscribedMessage(msg.ID)

	case types.MsgUnsubscribe:
		if err := h.subs.Unsubscribe(ctx, conn.ClientID, msg.ID); err != nil {
			return errorResponse(msg.ID, err)
		}
		return types.UnsubscribedMessage(msg.ID)

	case types.MsgListCollections:
		cols, err := h.backend.ListCollections(ctx, conn.Project)
		if err != nil {
			return errorResponse(msg.ID, err)
		}
		if cols == nil {
			cols = []string{}
		}
		return types.ResultMessage(msg.ID, cols)

	case types.MsgInsert:
		if msg.Collection == "" || len(msg.Data) == 0 {
			return types.ErrorMessage(msg.ID, CodeValidation, "insert requires collection and data")
		}
		doc, err := h.backend.Insert(ctx, conn.Project, msg.Collection, msg.Data)
		if err != nil {
			return errorResponse(msg.ID, err)
		}
		return types.ResultMessage(msg.ID, doc)

	case types.MsgUpdate:
		if msg.Collection == "" || msg.DocumentID == nil || len(msg.Data) == 0 {
			return types.ErrorMessage(msg.ID, CodeValidation, "update requires collection, document_id and data")
		}
		doc, err := h.backend.Update(ctx, conn.Project, msg.Collection, *msg.DocumentID, msg.Data)
		if err != nil {
			return errorResponse(msg.ID, err)
		}
		return types.ResultMessage(msg.ID, doc)

	case types.MsgDelete:
		if msg.Collection == "" || msg.DocumentID == nil {
			return types.ErrorMessage(msg.ID, CodeValidation, "delete requires collection and document_id")
		}
		doc, err := h.backend.Delete(ctx, conn.Project, msg.Collection, *msg.DocumentID)
		if err != nil {
			return errorResponse(msg.ID, err)
		}
		return types.ResultMessage(msg.ID, doc)

	default:
		return types.ErrorMessage(msg.ID, CodeProtocol, "unknown message type "+msg.Type)
	}
}

func (h *Handler) handleQuery(ctx context.Context, conn *Conn, msg types.ClientMessage) types.ServerMessage {
	spec, err := h.pool.ParseQuery(msg.Query)
	if err != nil {
		return types.ErrorMessage(msg.ID, CodeValidation, err.Error())
	}
	if spec.IsChanges() {
		return types.ErrorMessage(msg.ID, CodeValidation, "changes queries must use subscribe")
	}

	permitCtx, cancel := h.limiter.QueryPermit(ctx)
	defer cancel()

	result, err := h.executor.Execute(permitCtx, conn.Project, spec)
	if err != nil {
		return errorResponse(msg.ID, err)
	}

	data := make([]json.RawMessage, 0, len(result.Documents))
	for _, doc := range result.Documents {
		data = append(data, doc.Data)
	}
	resp := types.ResultMessage(msg.ID, data)
	resp.Dropped = result.Dropped
	return resp
}

// errorResponse maps an internal error to a typed protocol error.
func errorResponse(id string, err error) types.ServerMessage {
	var sanitize *db.SanitizeError
	switch {
	case errors.As(err, &sanitize):
		return types.ErrorMessage(id, CodeValidation, err.Error())
	case errors.Is(err, db.ErrNotFound):
		return types.ErrorMessage(id, CodeNotFound, err.Error())
	case errors.Is(err, db.ErrDuplicate):
		return types.ErrorMessage(id, CodeConflict, err.Error())
	case errors.Is(err, subscription.ErrNotChanges):
		return types.ErrorMessage(id, CodeValidation, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, query.ErrEvalTimeout):
		return types.ErrorMessage(id, CodeTimeout, "query timed out")
	case errors.Is(err, context.Canceled):
		return types.ErrorMessage(id, CodeInternal, "request cancelled")
	default:
		return types.ErrorMessage(id, CodeUpstream, err.Error())
	}
}

// Conn is the per-connection state shared by the reader, writer and
// dispatcher tasks.
type Conn struct {
	ClientID uuid.UUID
	Project  uuid.UUID
	outgoing chan types.ServerMessage
}

// outgoingBufferSize bounds a connection's pending responses and change
// events.
const outgoingBufferSize = 256

// NewConn allocates connection state scoped to the default project.
func NewConn() *Conn {
	return &Conn{
		ClientID: uuid.New(),
		Project:  types.DefaultProjectID,
		outgoing: make(chan types.ServerMessage, outgoingBufferSize),
	}
}

// Send enqueues a message for the writer. It reports false when the
// connection's buffer is full or closed, which the subscription
// manager treats as a dead client.
func (c *Conn) Send(msg types.ServerMessage) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.outgoing <- msg:
		return true
	default:
		return false
	}
}

// Outgoing is the writer's end of the connection queue.
func (c *Conn) Outgoing() <-chan types.ServerMessage { return c.outgoing }

// CloseOutgoing stops the writer after the queue drains.
func (c *Conn) CloseOutgoing() {
	defer func() { _ = recover() }()
	close(c.outgoing)
}
