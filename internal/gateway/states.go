package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/state/models"
	"github.com/agentmesh/agentmesh/internal/storage"
)

// backendPhase maps the storage_backend query values onto storage phases.
var backendPhase = map[string]string{
	"primary":    config.PhasePrimaryOnly,
	"secondary":  config.PhaseSecondaryOnly,
	"dual_write": config.PhaseDualWrite,
	"dual_read":  config.PhaseDualReadVerify,
}

// stateRepo returns the state repository honoring the per-request backend
// override.
func (h *Handlers) stateRepo(c *gin.Context) (storage.Repository[*models.State], error) {
	backend := c.Query("storage_backend")
	if backend == "" {
		return h.states, nil
	}
	phase, ok := backendPhase[backend]
	if !ok {
		return nil, storage.Clientf("unknown storage_backend %q", backend)
	}
	return h.states.WithPhase(phase), nil
}

type stateRequest struct {
	Name    string         `json:"name"`
	Content map[string]any `json:"content"`
}

func (h *Handlers) createState(c *gin.Context) {
	repo, err := h.stateRepo(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var body stateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	state, err := repo.Create(c.Request.Context(), &models.State{Name: body.Name, Content: body.Content})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (h *Handlers) listStates(c *gin.Context) {
	repo, err := h.stateRepo(c)
	if err != nil {
		respondError(c, err)
		return
	}
	states, err := repo.List(c.Request.Context(), storage.ListOptions{
		Limit:          intQuery(c, "limit"),
		PageNumber:     intQuery(c, "page_number"),
		OrderBy:        c.Query("order_by"),
		OrderDirection: c.Query("order_direction"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}

func (h *Handlers) getState(c *gin.Context) {
	repo, err := h.stateRepo(c)
	if err != nil {
		respondError(c, err)
		return
	}
	state, err := repo.Get(c.Request.Context(), storage.Selector{ID: c.Param("state_id")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) getStateByName(c *gin.Context) {
	repo, err := h.stateRepo(c)
	if err != nil {
		respondError(c, err)
		return
	}
	state, err := repo.Get(c.Request.Context(), storage.Selector{Name: c.Param("state_name")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *Handlers) updateState(c *gin.Context) {
	repo, err := h.stateRepo(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var body stateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	state, err := repo.Get(c.Request.Context(), storage.Selector{ID: c.Param("state_id")})
	if err != nil {
		respondError(c, err)
		return
	}
	if body.Name != "" {
		state.Name = body.Name
	}
	if body.Content != nil {
		state.Content = body.Content
	}
	updated, err := repo.Update(c.Request.Context(), state)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handlers) deleteState(c *gin.Context) {
	repo, err := h.stateRepo(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := repo.Delete(c.Request.Context(), c.Param("state_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
