package websocket

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler handles WebSocket connections
type Handler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a new WebSocket handler. An empty origins list accepts
// every origin.
func NewHandler(manager *Manager, origins []string, log zerolog.Logger) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
		log: log.With().Str("component", "ws-handler").Logger(),
	}
}

// SetupRoutes configures WebSocket routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/ws", h.HandleWebSocket)
	router.HandleFunc("/ws/items/{id:[0-9]+}", h.HandleWebSocket)

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	router.HandleFunc("/stats/items/{id:[0-9]+}", h.GetItemStats).Methods(http.MethodGet)

	return router
}

// HandleWebSocket upgrades the connection and subscribes it to one item, or
// to every item when the path carries no id
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	itemID := AllItems
	if raw, ok := mux.Vars(r)["id"]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid item id", http.StatusBadRequest)
			return
		}
		itemID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		ItemID: itemID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
	}

	welcome, _ := json.Marshal(map[string]any{
		"type":     "connected",
		"itemId":   itemID,
		"clientId": client.ID,
	})
	client.Send <- welcome

	if !h.manager.Register(client) {
		conn.Close()
	}
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "healthy",
		"service": "broadcast-service",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// GetStats returns connection statistics
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"clients":   h.manager.ClientCount(),
		"all_items": h.manager.SubscriberCount(AllItems),
	})
}

// GetItemStats returns statistics for an item
func (h *Handler) GetItemStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"itemId":      id,
		"subscribers": h.manager.SubscriberCount(id),
	})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}
