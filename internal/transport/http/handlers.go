package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/entraide/beacon/internal/auth"
	"github.com/entraide/beacon/internal/source"
	"github.com/entraide/beacon/internal/source/local"
)

// servedTables maps each table exposed over the REST and realtime
// surfaces to the column stamped with the authenticated user id on
// insert. The users table is deliberately absent: accounts are reachable
// only through the auth endpoints, never as rows.
var servedTables = map[string]string{
	"community_messages": "sender_id",
	"report_messages":    "sender_id",
	"direct_messages":    "sender_id",
	"notifications":      "user_id",
}

// Handlers provides the REST endpoints.
type Handlers struct {
	src         source.Source
	authService *auth.Service
	log         *zerolog.Logger
}

// NewHandlers creates the REST handler set.
func NewHandlers(src source.Source, authService *auth.Service, logger *zerolog.Logger) *Handlers {
	return &Handlers{src: src, authService: authService, log: logger}
}

// RegisterRequest is the registration request body.
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=32"`
	Password string `json:"password" binding:"required,min=6"`
}

// LoginRequest is the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse is the authentication response body.
type AuthResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Register handles user registration.
// POST /api/register
func (h *Handlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid register request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := h.authService.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "user already exists"})
		case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrInvalidPassword):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		default:
			h.log.Error().Err(err).Str("username", req.Username).Msg("failed to register user")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	h.log.Info().Str("username", req.Username).Msg("user registered")
	c.JSON(http.StatusCreated, AuthResponse{Token: token})
}

// Login handles user login.
// POST /api/login
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid login request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
			return
		}
		h.log.Error().Err(err).Str("username", req.Username).Msg("failed to login user")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token})
}

// QueryTable returns a snapshot of rows matching the filter expression.
// GET /api/tables/:table?filter=topic=eq.food and region=eq.north&order=created_at&dir=desc
func (h *Handlers) QueryTable(c *gin.Context) {
	table := c.Param("table")
	if _, ok := servedTables[table]; !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown table"})
		return
	}

	filters, err := source.ParseExpr(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	order := source.Order{
		Field:      c.Query("order"),
		Descending: c.Query("dir") == "desc",
	}

	rows, err := h.src.Query(c.Request.Context(), table, filters, order)
	if err != nil {
		h.writeSourceError(c, err)
		return
	}
	if rows == nil {
		rows = []source.Row{}
	}
	c.JSON(http.StatusOK, rows)
}

// InsertRow writes one row and returns it with server-assigned fields.
// POST /api/tables/:table
func (h *Handlers) InsertRow(c *gin.Context) {
	table := c.Param("table")
	ownerColumn, ok := servedTables[table]
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown table"})
		return
	}

	var row source.Row
	if err := c.ShouldBindJSON(&row); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	// The authenticated user is the owner of record; the client cannot
	// write on someone else's behalf.
	row[ownerColumn] = c.GetString(ContextKeyUserID)

	stored, err := h.src.Insert(c.Request.Context(), table, row)
	if err != nil {
		h.writeSourceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// UpdateRow patches the row with the given id.
// PATCH /api/tables/:table/:id
func (h *Handlers) UpdateRow(c *gin.Context) {
	table := c.Param("table")
	if _, ok := servedTables[table]; !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown table"})
		return
	}

	var patch source.Row
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	err := h.src.Update(c.Request.Context(), table, c.Param("id"), patch)
	if err != nil {
		h.writeSourceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) writeSourceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, local.ErrUnknownTable), errors.Is(err, local.ErrUnknownColumn):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, local.ErrRowNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		h.log.Error().Err(err).Msg("source operation failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}
