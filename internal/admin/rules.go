package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"a2a/internal/filter"
	"a2a/pkg/cel"
	"a2a/pkg/errors"
)

// ruleRequest is the body of rule create and update calls. Rules are enabled
// unless the body says otherwise.
type ruleRequest struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      string            `json:"type" binding:"required"`
	Target    string            `json:"target" binding:"required"`
	Path      string            `json:"path"`
	Operator  string            `json:"operator" binding:"required"`
	Value     interface{}       `json:"value"`
	Priority  int               `json:"priority"`
	Enabled   *bool             `json:"enabled"`
	Transform *filter.Transform `json:"transform"`
}

func (r ruleRequest) toRule() filter.Rule {
	return filter.Rule{
		ID:        r.ID,
		Name:      r.Name,
		Type:      filter.RuleType(strings.ToUpper(r.Type)),
		Target:    r.Target,
		Path:      r.Path,
		Operator:  filter.Operator(r.Operator),
		Value:     r.Value,
		Priority:  r.Priority,
		Enabled:   r.Enabled == nil || *r.Enabled,
		Transform: r.Transform,
	}
}

func (h *Handler) ListRules(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Filter().ListRules())
}

func (h *Handler) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	rule, err := h.node.Filter().AddRule(req.toRule())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) GetRule(c *gin.Context) {
	id := c.Param("id")
	rule, ok := h.node.Filter().GetRule(id)
	if !ok {
		h.HandleError(c, errors.ErrNotFound.WithMessage("rule not found").WithDetail("rule_id", id))
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) UpdateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	rule, err := h.node.Filter().UpdateRule(c.Param("id"), req.toRule())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) DeleteRule(c *gin.Context) {
	id := c.Param("id")
	if !h.node.Filter().RemoveRule(id) {
		h.HandleError(c, errors.ErrNotFound.WithMessage("rule not found").WithDetail("rule_id", id))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) FilterStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Filter().Stats())
}

// ExpressionExamples lists sample CEL expressions for the cel operator and
// for transforms.
func (h *Handler) ExpressionExamples(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"filter":    cel.FilterExpressionExamples,
		"transform": cel.TransformExpressionExamples,
	})
}
