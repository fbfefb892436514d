package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/bot-catalog/internal/apperror"
	"github.com/sakif/bot-catalog/internal/repository"
	"github.com/sakif/bot-catalog/internal/service"
)

// BotHandler serves the public catalog and its authenticated writes.
type BotHandler struct {
	catalog *service.CatalogService
	logger  *slog.Logger
}

// NewBotHandler creates a BotHandler.
func NewBotHandler(catalog *service.CatalogService, logger *slog.Logger) *BotHandler {
	return &BotHandler{catalog: catalog, logger: logger}
}

// HandleList returns bots newest first.
//
// HTTP: GET /api/bots?search=weather&owner=alice&limit=20&offset=0
//
// Every query parameter is optional; without limit the whole catalog is returned.
func (h *BotHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), "offset")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	bots, err := h.catalog.List(r.Context(), repository.BotFilter{
		Search:      q.Get("search"),
		Owner:       q.Get("owner"),
		ListOptions: repository.ListOptions{Limit: limit, Offset: offset},
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

func queryInt(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(field, field+" must be a non-negative integer")
	}
	return n, nil
}

// HandleGet returns one bot.
//
// HTTP: GET /api/bots/{id}
func (h *BotHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	bot, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// HandleCreate publishes a bot owned by the caller.
//
// HTTP: POST /api/bots (authenticated)
// REQUEST BODY:
//
//	{"name": "Helper", "repositoryUrl": "https://github.com/alice/helper",
//	 "logo": "https://... | data:image/png;base64,...", "description": "...",
//	 "confirmPassword": "..."}
func (h *BotHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string `json:"name"`
		RepositoryURL   string `json:"repositoryUrl"`
		Logo            string `json:"logo"`
		Description     string `json:"description"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	userID, err := requireUserID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	bot, err := h.catalog.Create(r.Context(), service.CreateBotInput{
		Name:            req.Name,
		RepositoryURL:   req.RepositoryURL,
		Logo:            req.Logo,
		Description:     req.Description,
		ActingUserID:    userID,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/bots/"+bot.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"bot": bot})
}

// HandleDelete removes a bot. Owner or admin only.
//
// HTTP: DELETE /api/bots/{id} (authenticated)
// REQUEST BODY: {"confirmPassword": "..."}
func (h *BotHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	userID, err := requireUserID(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	err = h.catalog.Delete(r.Context(), service.DeleteBotInput{
		ID:              chi.URLParam(r, "id"),
		ActingUserID:    userID,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Bot deleted."})
}
