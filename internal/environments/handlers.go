package environments

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/relaydev/relay/internal/common/errors"
)

// Handler exposes the environments admin surface.
type Handler struct {
	store *Store
}

// NewHandler creates the environments HTTP handler.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the environment endpoints on the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/environments", h.list)
	api.POST("/environments", h.create)
	api.GET("/environments/:id", h.get)
	api.DELETE("/environments/:id", h.delete)
}

func (h *Handler) list(c *gin.Context) {
	envs, err := h.store.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": envs})
}

func (h *Handler) get(c *gin.Context) {
	env, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": env})
}

func (h *Handler) create(c *gin.Context) {
	var env Environment
	if err := c.ShouldBindJSON(&env); err != nil {
		respondError(c, apperrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}
	if env.Name == "" {
		respondError(c, apperrors.NewValidationError("name is required"))
		return
	}
	if err := h.store.Create(c.Request.Context(), &env); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": env})
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": gin.H{
		"code":    apperrors.GetCode(err),
		"message": err.Error(),
	}})
}
