package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/identity"
)

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	Name           string   `json:"name"`
	IsGroup        bool     `json:"isGroup"`
	AdminID        string   `json:"adminId"`
}

// RoomInfo describes a public room.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// UserProfile is the public view of a user.
type UserProfile struct {
	ID                  string           `json:"id"`
	Username            string           `json:"username"`
	Credits             int              `json:"credits"`
	Streak              int              `json:"streak"`
	Stats               domain.UserStats `json:"stats"`
	CompletedChallenges []string         `json:"completedChallenges"`
}

// CreateConversation creates a private conversation, or returns the existing
// one when a 1-on-1 conversation between the same pair already exists.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ParticipantIDs) == 0 {
		Error(w, http.StatusBadRequest, "participants required")
		return
	}

	// A verified caller can only create conversations they belong to.
	if userID := identity.UserIDFromContext(r.Context()); userID != "" && !slices.Contains(req.ParticipantIDs, userID) {
		Error(w, http.StatusForbidden, "caller must be a participant")
		return
	}

	conv, err := h.repo.CreateConversation(r.Context(), &domain.Conversation{
		Participants: req.ParticipantIDs,
		Name:         req.Name,
		IsGroup:      req.IsGroup,
		AdminID:      req.AdminID,
	})
	if err != nil {
		slog.Error("Failed to create conversation", "error", err, "participants", len(req.ParticipantIDs))
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	JSON(w, http.StatusOK, conv)
}

// ListConversations lists a user's conversations, most recently updated first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	authID := identity.UserIDFromContext(r.Context())
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = authID
	}
	if userID == "" {
		Error(w, http.StatusBadRequest, "user id required")
		return
	}
	if authID != "" && userID != authID {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}

	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	JSON(w, http.StatusOK, convs)
}

// ListRooms lists the configured public rooms with their members on this node.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := make([]RoomInfo, 0, len(h.publicRooms))
	for _, name := range h.publicRooms {
		info := RoomInfo{Name: name}
		if h.rooms != nil {
			info.Members = len(h.rooms.Members(name))
		}
		rooms = append(rooms, info)
	}
	JSON(w, http.StatusOK, rooms)
}

// GetUser returns a user's public stats.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	user, err := h.repo.GetUser(r.Context(), id)
	if err != nil {
		slog.Error("Failed to fetch user", "error", err, "user_id", id)
		Error(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}

	completed := user.CompletedChallenges
	if completed == nil {
		completed = []string{}
	}
	JSON(w, http.StatusOK, UserProfile{
		ID:                  user.UserID,
		Username:            user.Username,
		Credits:             user.Credits,
		Streak:              user.Streak,
		Stats:               user.Stats,
		CompletedChallenges: completed,
	})
}
