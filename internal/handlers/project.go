package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/expofab/portal/internal/database"
	"github.com/expofab/portal/internal/middleware"
	"github.com/expofab/portal/internal/models"
)

// ProjectHandler is the thin REST surface over projects. The chat channel
// consults the membership rows written here when authorizing room joins.
type ProjectHandler struct {
	db *database.Database
}

func NewProjectHandler(db *database.Database) *ProjectHandler {
	return &ProjectHandler{db: db}
}

func (h *ProjectHandler) CreateProject(c *gin.Context) {
	userID := c.MustGet(middleware.UserIDKey).(uuid.UUID)

	var req struct {
		Name  string `json:"name" binding:"required"`
		Venue string `json:"venue"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := &models.Project{
		Name:      req.Name,
		Venue:     req.Venue,
		Status:    "active",
		CreatedBy: userID,
		CreatedAt: time.Now(),
	}

	if err := h.db.CreateProject(project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
		return
	}

	// The creator is a member from the start.
	if err := h.db.AddProjectMember(project.ID.String(), userID.String()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add creator to project"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         project.ID,
		"name":       project.Name,
		"venue":      project.Venue,
		"status":     project.Status,
		"created_by": project.CreatedBy,
		"created_at": project.CreatedAt,
	})
}

func (h *ProjectHandler) GetMyProjects(c *gin.Context) {
	userID := c.MustGet(middleware.UserIDKey).(uuid.UUID)

	projects, err := h.db.GetUserProjects(userID.String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get projects"})
		return
	}

	result := make([]gin.H, len(projects))
	for i, p := range projects {
		result[i] = gin.H{
			"id":         p.ID,
			"name":       p.Name,
			"venue":      p.Venue,
			"status":     p.Status,
			"created_at": p.CreatedAt,
		}
	}

	c.JSON(http.StatusOK, gin.H{"projects": result})
}

// AddMember admits another portal user into a project. Only existing members
// may invite.
func (h *ProjectHandler) AddMember(c *gin.Context) {
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

	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.AddProjectMember(projectIDStr, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add member"})
		return
	}

	c.Status(http.StatusNoContent)
}
