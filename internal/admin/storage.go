package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"a2a/internal/constants"
	"a2a/internal/storage"
	"a2a/pkg/errors"
)

type setValueRequest struct {
	Value    interface{}       `json:"value" binding:"required"`
	TTL      string            `json:"ttl,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// IfVersion is a compare-and-set guard; 0 requires the key to be absent.
	IfVersion   *int64 `json:"ifVersion,omitempty"`
	IfNotExists bool   `json:"ifNotExists,omitempty"`
	NoOverwrite bool   `json:"noOverwrite,omitempty"`
}

func (h *Handler) ListNamespaces(c *gin.Context) {
	c.JSON(http.StatusOK, h.node.Storage().Namespaces())
}

func (h *Handler) ClearNamespace(c *gin.Context) {
	removed, err := h.node.Storage().Clear(c.Request.Context(), c.Param("namespace"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) ListKeys(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.HandleError(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if limit == 0 {
		limit = constants.DefaultLimit
	} else if limit > constants.MaxLimit {
		limit = constants.MaxLimit
	}

	keys, err := h.node.Storage().ListKeys(c.Request.Context(), storage.ListOptions{
		Namespace: c.Param("namespace"),
		Pattern:   c.Query("pattern"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (h *Handler) GetValue(c *gin.Context) {
	ns, key := c.Param("namespace"), c.Param("key")
	version, err := queryInt(c, "version")
	if err != nil {
		h.HandleError(c, err)
		return
	}

	v, err := h.node.Storage().GetValue(c.Request.Context(), key, storage.GetOptions{Namespace: ns, Version: int64(version)})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if v == nil {
		h.HandleError(c, errors.ErrNotFound.WithMessage("key not found").WithDetail("namespace", ns).WithDetail("key", key))
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) SetValue(c *gin.Context) {
	var req setValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	opts := storage.SetOptions{
		Namespace:   c.Param("namespace"),
		Metadata:    req.Metadata,
		IfVersion:   req.IfVersion,
		IfNotExists: req.IfNotExists,
		NoOverwrite: req.NoOverwrite,
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl < 0 {
			h.HandleError(c, errors.ErrValidation.WithMessage("invalid ttl").WithDetail("ttl", req.TTL))
			return
		}
		opts.TTL = ttl
	}

	v, err := h.node.Storage().SetValue(c.Request.Context(), c.Param("key"), req.Value, opts)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteValue(c *gin.Context) {
	ns, key := c.Param("namespace"), c.Param("key")
	opts := storage.DeleteOptions{Namespace: ns}
	if raw := c.Query("ifVersion"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.HandleError(c, errors.ErrValidation.WithMessage("invalid ifVersion").WithDetail("ifVersion", raw))
			return
		}
		opts.IfVersion = storage.Version(v)
	}

	deleted, err := h.node.Storage().DeleteValue(c.Request.Context(), key, opts)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if !deleted {
		h.HandleError(c, errors.ErrNotFound.WithMessage("key not found").WithDetail("namespace", ns).WithDetail("key", key))
		return
	}
	c.Status(http.StatusNoContent)
}
