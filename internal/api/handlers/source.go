package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sorglos123/OpenArchiver/internal/api/middleware"
	"github.com/sorglos123/OpenArchiver/internal/database/models"
	"github.com/sorglos123/OpenArchiver/internal/services"
)

// SourceHandler handles mail source related requests
type SourceHandler struct {
	sourceService *services.SourceService
	syncRunner    *services.SyncRunner
	logService    *services.LogService
}

// NewSourceHandler creates a new SourceHandler instance
func NewSourceHandler(sourceService *services.SourceService, syncRunner *services.SyncRunner, logService *services.LogService) *SourceHandler {
	return &SourceHandler{
		sourceService: sourceService,
		syncRunner:    syncRunner,
		logService:    logService,
	}
}

// CreateSourceRequest represents the request to register a mail source
type CreateSourceRequest struct {
	Email        string `json:"email" binding:"required,email"`
	DisplayName  string `json:"display_name"`
	IMAPHost     string `json:"imap_host" binding:"required"`
	IMAPPort     int    `json:"imap_port"`
	Username     string `json:"username" binding:"required"`
	Password     string `json:"password"`
	UseSSL       bool   `json:"use_ssl"`
	AuthType     string `json:"auth_type"`
	CredentialID *uint  `json:"credential_id"`
	ArchiveAll   bool   `json:"archive_all"`
}

// UpdateSourceRequest represents the updatable fields of a mail source
type UpdateSourceRequest struct {
	DisplayName *string `json:"display_name"`
	IMAPHost    *string `json:"imap_host"`
	IMAPPort    *int    `json:"imap_port"`
	Username    *string `json:"username"`
	Password    *string `json:"password"`
	UseSSL      *bool   `json:"use_ssl"`
	ArchiveAll  *bool   `json:"archive_all"`
}

// SourceResponse represents the response for a mail source; credential
// material never leaves the server
type SourceResponse struct {
	ID          uint   `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	IMAPHost    string `json:"imap_host"`
	IMAPPort    int    `json:"imap_port"`
	Username    string `json:"username"`
	UseSSL      bool   `json:"use_ssl"`
	Enabled     bool   `json:"enabled"`
	AuthType    string `json:"auth_type"`
	ArchiveAll  bool   `json:"archive_all"`
	LastSyncAt  int64  `json:"last_sync_at"`
	CreatedAt   int64  `json:"created_at"`
}

// toSourceResponse converts a MailSource model to SourceResponse
func toSourceResponse(source *models.MailSource) SourceResponse {
	return SourceResponse{
		ID:          source.ID,
		Email:       source.Email,
		DisplayName: source.DisplayName,
		IMAPHost:    source.IMAPHost,
		IMAPPort:    source.IMAPPort,
		Username:    source.Username,
		UseSSL:      source.UseSSL,
		Enabled:     source.Enabled,
		AuthType:    string(source.AuthType),
		ArchiveAll:  source.ArchiveAll,
		LastSyncAt:  source.LastSyncAt.Unix(),
		CreatedAt:   source.CreatedAt.Unix(),
	}
}

// ListSources returns all mail sources for the current user
// GET /api/sources
func (h *SourceHandler) ListSources(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	sources, err := h.sourceService.GetSourcesByUserID(userID)
	if err != nil {
		respondInternalError(c, "Failed to retrieve sources")
		return
	}

	var response []SourceResponse
	for _, source := range sources {
		response = append(response, toSourceResponse(&source))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    response,
	})
}

// CreateSource registers a new mail source
// POST /api/sources
func (h *SourceHandler) CreateSource(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	var req CreateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "Invalid request body",
				"details": err.Error(),
			},
		})
		return
	}

	source, err := h.sourceService.CreateSource(services.CreateSourceInput{
		UserID:       userID,
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		IMAPHost:     req.IMAPHost,
		IMAPPort:     req.IMAPPort,
		Username:     req.Username,
		Password:     req.Password,
		UseSSL:       req.UseSSL,
		AuthType:     models.AuthType(req.AuthType),
		CredentialID: req.CredentialID,
		ArchiveAll:   req.ArchiveAll,
	})
	if err != nil {
		status := http.StatusInternalServerError
		code := "INTERNAL_ERROR"
		switch {
		case errors.Is(err, services.ErrInvalidSourceData):
			status, code = http.StatusBadRequest, "VALIDATION_ERROR"
		case errors.Is(err, services.ErrSourceAlreadyExists):
			status, code = http.StatusConflict, "ALREADY_EXISTS"
		}
		c.JSON(status, gin.H{
			"success": false,
			"error": gin.H{
				"code":    code,
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    toSourceResponse(source),
	})
}

// UpdateSource updates a mail source
// PUT /api/sources/:id
func (h *SourceHandler) UpdateSource(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	sourceID, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req UpdateSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "Invalid request body",
			},
		})
		return
	}

	source, err := h.sourceService.UpdateSource(sourceID, userID, services.UpdateSourceInput{
		DisplayName: req.DisplayName,
		IMAPHost:    req.IMAPHost,
		IMAPPort:    req.IMAPPort,
		Username:    req.Username,
		Password:    req.Password,
		UseSSL:      req.UseSSL,
		ArchiveAll:  req.ArchiveAll,
	})
	if err != nil {
		respondSourceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    toSourceResponse(source),
	})
}

// DeleteSource removes a mail source
// DELETE /api/sources/:id
func (h *SourceHandler) DeleteSource(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	sourceID, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := h.sourceService.DeleteSource(sourceID, userID); err != nil {
		respondSourceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SetSourceEnabled enables or disables a mail source
// PUT /api/sources/:id/enabled
func (h *SourceHandler) SetSourceEnabled(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	sourceID, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "Invalid request body",
			},
		})
		return
	}

	source, err := h.sourceService.SetSourceEnabled(sourceID, userID, req.Enabled)
	if err != nil {
		respondSourceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    toSourceResponse(source),
	})
}

// SyncSource triggers one sync cycle for a source
// POST /api/sources/:id/sync
func (h *SourceHandler) SyncSource(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	sourceID, ok := parseIDParam(c)
	if !ok {
		return
	}

	archived, err := h.syncRunner.SyncSource(sourceID, userID)
	if err != nil {
		if errors.Is(err, services.ErrSourceSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "SYNC_IN_PROGRESS",
					"message": "A sync for this source is already running",
				},
			})
			return
		}
		respondSourceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"archived": archived,
		},
	})
}

// parseIDParam reads the :id path parameter
func parseIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "Invalid id",
			},
		})
		return 0, false
	}
	return uint(id), true
}

func respondUnauthenticated(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "AUTH_FAILED",
			"message": "User not authenticated",
		},
	})
}

func respondInternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "INTERNAL_ERROR",
			"message": message,
		},
	})
}

func respondSourceError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrSourceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "Mail source not found",
			},
		})
		return
	}
	respondInternalError(c, err.Error())
}
