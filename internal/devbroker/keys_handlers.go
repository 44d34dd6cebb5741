package devbroker

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	keyTooShort      = "API key must be at least 8 characters"
	credentialAbsent = "Credential not found"
)

type createKeyRequest struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Key      string `json:"key"`
}

type updateKeyRequest struct {
	Name *string `json:"name"`
	Key  *string `json:"key"`
}

func (s *Server) handleListKeys(c *gin.Context) {
	records := s.keys.List(currentUser(c).UID)
	out := make([]gin.H, 0, len(records))
	for _, rec := range records {
		out = append(out, keyBody(rec))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid body"})
		return
	}
	provider := strings.TrimSpace(req.Provider)
	name := strings.TrimSpace(req.Name)
	if provider == "" || name == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "provider and name are required"})
		return
	}
	if len(req.Key) < minKeyLength {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": keyTooShort})
		return
	}
	rec := s.keys.Create(currentUser(c).UID, provider, name, req.Key)
	c.JSON(http.StatusCreated, keyBody(rec))
}

func (s *Server) handleGetKey(c *gin.Context) {
	rec, ok := s.keys.Get(currentUser(c).UID, c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": credentialAbsent})
		return
	}
	c.JSON(http.StatusOK, keyBody(rec))
}

func (s *Server) handleUpdateKey(c *gin.Context) {
	var req updateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid body"})
		return
	}
	if req.Key != nil && len(*req.Key) < minKeyLength {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": keyTooShort})
		return
	}
	rec, ok := s.keys.Update(currentUser(c).UID, c.Param("id"), req.Name, req.Key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": credentialAbsent})
		return
	}
	c.JSON(http.StatusOK, keyBody(rec))
}

func (s *Server) handleDeleteKey(c *gin.Context) {
	if !s.keys.Delete(currentUser(c).UID, c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"detail": credentialAbsent})
		return
	}
	c.Status(http.StatusNoContent)
}

func keyBody(rec keyRecord) gin.H {
	return gin.H{
		"id":         rec.ID,
		"provider":   rec.Provider,
		"name":       rec.Name,
		"key_hint":   rec.Hint,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339),
	}
}
