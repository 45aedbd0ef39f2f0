package hub

import (
	"net/http"
	"strconv"

	"github.com/converselabs/converse/internal/store"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine serving the /v1/sync API.
func NewRouter(s *Store, cfg TokenConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1/sync", RequireAuth(cfg))
	h := &syncHandler{store: s}
	v1.POST("/chat", h.pushChat)
	v1.POST("/message", h.pushMessage)
	v1.GET("/chats", h.chatsSince)
	v1.GET("/messages", h.messagesSince)

	return r
}

type syncHandler struct {
	store *Store
}

type pushChatBody struct {
	Chat *store.Chat `json:"chat"`
}

type pushMessageBody struct {
	Message *store.Message `json:"message"`
}

func (h *syncHandler) pushChat(c *gin.Context) {
	userID, ok := UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body pushChatBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Chat == nil || body.Chat.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if !body.Chat.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chat status"})
		return
	}

	winner, applied := h.store.UpsertChat(userID, *body.Chat)
	c.JSON(http.StatusOK, gin.H{"chat": winner, "applied": applied})
}

func (h *syncHandler) pushMessage(c *gin.Context) {
	userID, ok := UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body pushMessageBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == nil || body.Message.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Message.ChatID == "" || !body.Message.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid message"})
		return
	}

	winner, applied := h.store.UpsertMessage(userID, *body.Message)
	c.JSON(http.StatusOK, gin.H{"message": winner, "applied": applied})
}

func (h *syncHandler) chatsSince(c *gin.Context) {
	userID, ok := UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since parameter"})
		return
	}

	chats := h.store.ChatsSince(userID, since)
	if chats == nil {
		chats = []store.Chat{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *syncHandler) messagesSince(c *gin.Context) {
	userID, ok := UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	since, err := parseSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since parameter"})
		return
	}

	msgs := h.store.MessagesSince(userID, since)
	if msgs == nil {
		msgs = []store.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func parseSince(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
