// Package api provides HTTP handlers for the chat API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teenhut/hutchat/internal/domain"
	"github.com/teenhut/hutchat/internal/room"
)

// Store is the persistence the REST handlers read and write.
type Store interface {
	CreateConversation(ctx context.Context, c *domain.Conversation) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// RoomMembers reports the local members of a room.
type RoomMembers interface {
	Members(room string) []room.Member
}

// Handler provides the REST endpoints that sit beside the websocket.
type Handler struct {
	repo        Store
	rooms       RoomMembers
	publicRooms []string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo Store, rooms RoomMembers, publicRooms []string) *Handler {
	return &Handler{
		repo:        repo,
		rooms:       rooms,
		publicRooms: publicRooms,
	}
}

// RegisterRoutes registers the chat API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/conversations", h.CreateConversation)
		r.Get("/conversations", h.ListConversations)
		r.Get("/rooms", h.ListRooms)
		r.Get("/users/{id}", h.GetUser)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
