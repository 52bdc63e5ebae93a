package handlers

import (
	"errors"
	"log"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/sorglos123/OpenArchiver/internal/api/middleware"
	"github.com/sorglos123/OpenArchiver/internal/database/models"
	"github.com/sorglos123/OpenArchiver/internal/services"
)

// OAuthHandler handles the authorization flow endpoints
type OAuthHandler struct {
	flow       *services.OAuthFlow
	tokenStore *services.TokenStore
	logService *services.LogService
}

// NewOAuthHandler creates a new OAuthHandler instance
func NewOAuthHandler(flow *services.OAuthFlow, tokenStore *services.TokenStore, logService *services.LogService) *OAuthHandler {
	return &OAuthHandler{
		flow:       flow,
		tokenStore: tokenStore,
		logService: logService,
	}
}

// StartAuthorizationRequest represents the request to begin an OAuth flow
type StartAuthorizationRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// StartAuthorization begins the interactive authorization flow and returns
// the provider URL the user's browser must visit
// POST /api/oauth/authorize
func (h *OAuthHandler) StartAuthorization(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	var req StartAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "A mailbox email address is required",
			},
		})
		return
	}

	authURL, err := h.flow.StartAuthorization(userID, req.Email)
	if err != nil {
		respondInternalError(c, "Failed to build authorization URL")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"authorization_url": authURL,
		},
	})
}

// Callback receives the provider redirect. It always answers with a browser
// redirect carrying a human-readable outcome, since the provider sends the
// user here, not an API client.
// GET /api/oauth/callback
func (h *OAuthHandler) Callback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		description := c.Query("error_description")
		log.Printf("[OAuth] Provider returned error: %s (%s)", errParam, description)
		h.redirectWithError(c, "The provider declined the authorization: "+errParam)
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		h.redirectWithError(c, "The callback is missing its state or code parameter")
		return
	}

	credential, err := h.flow.HandleCallback(state, code)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPendingAuthorizationExpired):
			h.redirectWithError(c, "The sign-in attempt expired — please start over")
		case errors.Is(err, services.ErrAuthExchange):
			h.redirectWithError(c, "The provider rejected the authorization code — please start over")
		default:
			log.Printf("[OAuth] Callback failed: %v", err)
			h.redirectWithError(c, "Saving the credential failed")
		}
		return
	}

	c.Redirect(http.StatusFound, "/?oauth_success=1&email="+url.QueryEscape(credential.Email))
}

func (h *OAuthHandler) redirectWithError(c *gin.Context, reason string) {
	c.Redirect(http.StatusFound, "/?oauth_error="+url.QueryEscape(reason))
}

// CredentialResponse is the metadata view of a stored credential. Token
// material is never included.
type CredentialResponse struct {
	ID        uint   `json:"id"`
	Provider  string `json:"provider"`
	Email     string `json:"email"`
	Scope     string `json:"scope"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

func toCredentialResponse(credential *models.OAuthCredential) CredentialResponse {
	response := CredentialResponse{
		ID:        credential.ID,
		Provider:  string(credential.Provider),
		Email:     credential.Email,
		Scope:     credential.Scope,
		CreatedAt: credential.CreatedAt.Unix(),
	}
	if credential.ExpiresAt != nil {
		response.ExpiresAt = credential.ExpiresAt.Unix()
	}
	return response
}

// ListCredentials returns credential metadata for the current user
// GET /api/oauth/credentials
func (h *OAuthHandler) ListCredentials(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	credentials, err := h.tokenStore.ListByUserID(userID)
	if err != nil {
		respondInternalError(c, "Failed to retrieve credentials")
		return
	}

	var response []CredentialResponse
	for _, credential := range credentials {
		response = append(response, toCredentialResponse(&credential))
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    response,
	})
}

// DeleteCredential removes a stored credential
// DELETE /api/oauth/credentials/:id
func (h *OAuthHandler) DeleteCredential(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	credentialID, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := h.tokenStore.Delete(credentialID, userID); err != nil {
		if errors.Is(err, services.ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "NOT_FOUND",
					"message": "Credential not found",
				},
			})
			return
		}
		respondInternalError(c, "Failed to delete credential")
		return
	}

	h.logService.LogInfo(userID, models.LogModuleOAuth, "delete", "Credential removed", map[string]interface{}{
		"credential_id": credentialID,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RefreshCredential forces an immediate token refresh
// POST /api/oauth/credentials/:id/refresh
func (h *OAuthHandler) RefreshCredential(c *gin.Context) {
	userID, exists := middleware.GetUserIDFromContext(c)
	if !exists {
		respondUnauthenticated(c)
		return
	}

	credentialID, ok := parseIDParam(c)
	if !ok {
		return
	}

	// Ownership check before touching the provider.
	if _, err := h.tokenStore.GetByIDAndUserID(credentialID, userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "NOT_FOUND",
				"message": "Credential not found",
			},
		})
		return
	}

	if err := h.flow.Refresh(credentialID); err != nil {
		code := "INTERNAL_ERROR"
		status := http.StatusInternalServerError
		message := "Refresh failed"
		switch {
		case errors.Is(err, services.ErrRefreshRejected):
			code, status = "REFRESH_REJECTED", http.StatusUnprocessableEntity
			message = "The provider rejected the refresh token — re-authentication is required"
		case errors.Is(err, services.ErrNoRefreshToken):
			code, status = "NO_REFRESH_TOKEN", http.StatusUnprocessableEntity
			message = "This credential has no refresh token — re-authentication is required"
		}
		c.JSON(status, gin.H{
			"success": false,
			"error": gin.H{
				"code":    code,
				"message": message,
			},
		})
		return
	}

	credential, err := h.tokenStore.GetByID(credentialID)
	if err != nil {
		respondInternalError(c, "Failed to reload credential")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    toCredentialResponse(credential),
	})
}
