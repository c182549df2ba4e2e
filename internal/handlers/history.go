package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/expofab/portal/internal/database"
	"github.com/expofab/portal/internal/handlers/dto"
	"github.com/expofab/portal/internal/middleware"
)

// HistoryHandler is the pull-based backfill path: sessions that join a room
// after messages were committed fetch history here instead of receiving it
// over the push channel.
type HistoryHandler struct {
	db *database.Database
}

func NewHistoryHandler(db *database.Database) *HistoryHandler {
	return &HistoryHandler{db: db}
}

// GetProjectMessages returns a page of a project's message history, oldest
// first, with an optional server_id cursor.
func (h *HistoryHandler) GetProjectMessages(c *gin.Context) {
	userID := c.MustGet(middleware.UserIDKey).(uuid.UUID)
	projectIDStr := c.Param("id")

	projectID, err := uuid.Parse(projectIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	member, err := h.db.IsProjectMember(c.Request.Context(), projectID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "you are not a member of this project"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var before *int64
	if b := c.Query("before"); b != "" {
		if parsed, err := strconv.ParseInt(b, 10, 64); err == nil && parsed > 0 {
			before = &parsed
		}
	}

	messages, err := h.db.GetProjectMessages(c.Request.Context(), projectIDStr, limit, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get messages"})
		return
	}

	result := make([]dto.MessageResponse, len(messages))
	for i, msg := range messages {
		result[i] = dto.MessageResponse{
			ServerID:  msg.ServerID,
			ProjectID: msg.ProjectID,
			SenderID:  msg.SenderID,
			Body:      msg.Body,
			CreatedAt: msg.CreatedAt,
			Sender: dto.UserInfo{
				ID:       msg.Sender.ID,
				Username: msg.Sender.Username,
				Role:     msg.Sender.Role,
			},
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": result,
		"has_more": len(messages) == limit,
	})
}
