// Package builds implements the HTTP adapter for the build request API.
package builds

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/adapters/dto"
	"github.com/bindery-io/bindery/internal/boundaries/in"
	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Handler implements the HTTP handlers for the build request API.
type Handler struct {
	service in.BuildService
}

// NewHandler creates a new build API handler.
func NewHandler(service in.BuildService) *Handler {
	return &Handler{service: service}
}

// Register mounts the API routes on the given echo instance. The
// submitLimit middleware, when non-nil, guards every POST route.
func (h *Handler) Register(e *echo.Echo, submitLimit echo.MiddlewareFunc) {
	var guards []echo.MiddlewareFunc
	if submitLimit != nil {
		guards = append(guards, submitLimit)
	}

	api := e.Group("/api/v1")
	api.GET("/healthcheck", h.Healthcheck)

	api.POST("/builds/add", h.Add, guards...)
	api.POST("/builds/rm", h.Remove, guards...)
	api.POST("/builds/regenerate-bundle", h.RegenerateBundle, guards...)
	api.POST("/builds/merge-index-image", h.MergeIndexImage, guards...)
	api.GET("/builds", h.List)
	api.GET("/builds/:id", h.Get)
	api.GET("/builds/:id/logs", h.Logs)
	api.POST("/builds/:id/cancel", h.Cancel, guards...)
	api.GET("/batches/:id", h.GetBatch)
}

// Healthcheck reports service liveness.
func (h *Handler) Healthcheck(c echo.Context) error {
	return c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}

// Add submits an add build.
func (h *Handler) Add(c echo.Context) error {
	var body dto.AddBuildRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "malformed request body"})
	}
	params := domain.BuildParams{
		Bundles:     body.Bundles,
		FromIndex:   body.FromIndex,
		BinaryImage: body.BinaryImage,
		AddArches:   body.AddArches,
		Overwrite:   body.OverwriteFromIndex,
	}
	return h.submit(c, domain.KindAdd, params, body.BatchAnnotations)
}

// Remove submits an rm build.
func (h *Handler) Remove(c echo.Context) error {
	var body dto.RemoveBuildRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "malformed request body"})
	}
	params := domain.BuildParams{
		Operators:   body.Operators,
		FromIndex:   body.FromIndex,
		BinaryImage: body.BinaryImage,
		AddArches:   body.AddArches,
	}
	return h.submit(c, domain.KindRemove, params, body.BatchAnnotations)
}

// RegenerateBundle submits a bundle regeneration build.
func (h *Handler) RegenerateBundle(c echo.Context) error {
	var body dto.RegenerateBundleRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "malformed request body"})
	}
	params := domain.BuildParams{
		FromBundleImage: body.FromBundleImage,
		Organization:    body.Organization,
	}
	return h.submit(c, domain.KindRegenerateBundle, params, body.BatchAnnotations)
}

// MergeIndexImage submits a merge build.
func (h *Handler) MergeIndexImage(c echo.Context) error {
	var body dto.MergeIndexImageRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "malformed request body"})
	}
	params := domain.BuildParams{
		SourceFromIndex: body.SourceFromIndex,
		TargetIndex:     body.TargetIndex,
		BinaryImage:     body.BinaryImage,
		DeprecationList: body.DeprecationList,
	}
	return h.submit(c, domain.KindMergeIndexImage, params, body.BatchAnnotations)
}

func (h *Handler) submit(c echo.Context, kind domain.RequestKind, params domain.BuildParams, annotations map[string]string) error {
	status, err := h.service.Submit(c.Request().Context(), kind, params, annotations)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, batchResponse(status))
}

// List returns one page of requests, newest first, optionally filtered by
// state, batch, and request type.
func (h *Handler) List(c echo.Context) error {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	}
	perPage, err := queryInt(c, "per_page", defaultPerPage)
	if err != nil {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	}
	if page < 1 {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "page must be a positive integer"})
	}
	if perPage < 1 {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "per_page must be a positive integer"})
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	q := out.RequestQuery{
		State:   domain.RequestState(c.QueryParam("state")),
		Kind:    domain.RequestKind(c.QueryParam("request_type")),
		BatchID: c.QueryParam("batch"),
		Page:    page,
		PerPage: perPage,
	}
	items, total, err := h.service.Requests(c.Request().Context(), q)
	if err != nil {
		return h.respondError(c, err)
	}

	resp := dto.BuildRequestListResponse{
		Items: make([]dto.BuildRequestResponse, 0, len(items)),
		Meta: dto.ListMeta{
			Page:       page,
			PerPage:    perPage,
			TotalPages: (total + perPage - 1) / perPage,
			TotalItems: total,
		},
	}
	for _, req := range items {
		resp.Items = append(resp.Items, requestResponse(req, false))
	}
	return c.JSON(http.StatusOK, resp)
}

// Get returns a single request with its full state history.
func (h *Handler) Get(c echo.Context) error {
	req, err := h.service.Request(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, requestResponse(req, true))
}

// Logs returns a request's build log as plain text, starting at the
// line given by the offset query parameter.
func (h *Handler) Logs(c echo.Context) error {
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	}
	if offset < 0 {
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "offset must not be negative"})
	}

	lines, err := h.service.RequestLogs(c.Request().Context(), c.Param("id"), offset)
	if err != nil {
		return h.respondError(c, err)
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return c.String(http.StatusOK, b.String())
}

// Cancel cancels a still-queued request and returns its updated record.
func (h *Handler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.service.Cancel(c.Request().Context(), id); err != nil {
		return h.respondError(c, err)
	}
	req, err := h.service.Request(c.Request().Context(), id)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, requestResponse(req, true))
}

// GetBatch returns a batch with its derived state and child requests.
func (h *Handler) GetBatch(c echo.Context) error {
	status, err := h.service.Batch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, batchResponse(status))
}

// respondError maps domain errors onto API status codes. Anything not
// recognized is logged and reported as an opaque 500.
func (h *Handler) respondError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRequestNotFound), errors.Is(err, domain.ErrBatchNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotCancellable), errors.Is(err, domain.ErrTerminalState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnknownKind),
		errors.Is(err, domain.ErrInvalidReference), errors.Is(err, domain.ErrUnresolvable):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Msg("Request failed")
		return c.JSON(status, dto.ErrorResponse{Error: "internal server error"})
	}
	return c.JSON(status, dto.ErrorResponse{Error: err.Error()})
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func requestResponse(req *domain.Request, withHistory bool) dto.BuildRequestResponse {
	resp := dto.BuildRequestResponse{
		ID:                  req.ID,
		Batch:               req.BatchID,
		RequestType:         string(req.Kind),
		State:               string(req.State),
		StateReason:         req.StateReason,
		Architecture:        req.Architecture,
		Bundles:             req.Params.Bundles,
		Operators:           req.Params.Operators,
		FromIndex:           req.Params.FromIndex,
		BinaryImage:         req.Params.BinaryImage,
		FromBundleImage:     req.Params.FromBundleImage,
		Organization:        req.Params.Organization,
		SourceFromIndex:     req.Params.SourceFromIndex,
		TargetIndex:         req.Params.TargetIndex,
		DeprecationList:     req.Params.DeprecationList,
		FromIndexResolved:   req.FromIndexResolved,
		BinaryImageResolved: req.BinaryImageResolved,
		Logs:                req.Logs,
		Created:             req.Created,
		Updated:             req.Updated,
	}
	if req.Result != nil {
		resp.IndexImage = req.Result.IndexImage
		resp.IndexImageResolved = req.Result.IndexImageResolved
		resp.ArchDigests = req.Result.ArchDigests
	}
	if withHistory {
		// History is stored oldest first; clients read it newest first.
		resp.StateHistory = make([]dto.StateHistoryEntry, 0, len(req.History))
		for i := len(req.History) - 1; i >= 0; i-- {
			change := req.History[i]
			resp.StateHistory = append(resp.StateHistory, dto.StateHistoryEntry{
				State:       string(change.State),
				StateReason: change.Reason,
				Updated:     change.Updated,
			})
		}
	}
	return resp
}

func batchResponse(status *in.BatchStatus) dto.BatchResponse {
	resp := dto.BatchResponse{
		ID:          status.ID,
		State:       string(status.State),
		Annotations: status.Annotations,
		Requests:    make([]dto.BuildRequestResponse, 0, len(status.Requests)),
	}
	for _, req := range status.Requests {
		resp.Requests = append(resp.Requests, requestResponse(req, true))
	}
	return resp
}
