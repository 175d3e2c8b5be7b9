package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"onebox/internal/model"
	"onebox/internal/repository"
	"onebox/internal/service"
)

type MessageReader interface {
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	Feed(ctx context.Context, f model.Filter, p model.Page) (*model.MessagePage, error)
	MarkRead(ctx context.Context, id string, read bool) (*model.Message, error)
	Search(ctx context.Context, query string, f model.Filter, p model.Page) (*service.SearchResult, error)
	EnrichmentStats(ctx context.Context) (*model.EnrichmentStats, error)
}

type DeliveryStatsReader interface {
	DeliveryStats(ctx context.Context) (*model.DeliveryStats, error)
}

var errBadQuery = errors.New("invalid query parameter")

func registerMessageRoutes(r *gin.Engine, messages MessageReader) {
	r.GET("/messages", func(c *gin.Context) {
		f, p, err := parseListQuery(c)
		if err != nil {
			writeError(c, err)
			return
		}
		page, err := messages.Feed(c.Request.Context(), f, p)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	})

	r.GET("/messages/:id", func(c *gin.Context) {
		m, err := messages.GetMessage(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	})

	markRead := func(read bool) gin.HandlerFunc {
		return func(c *gin.Context) {
			m, err := messages.MarkRead(c.Request.Context(), c.Param("id"), read)
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, m)
		}
	}
	r.PUT("/messages/:id/read", markRead(true))
	r.DELETE("/messages/:id/read", markRead(false))

	r.GET("/search", func(c *gin.Context) {
		f, p, err := parseListQuery(c)
		if err != nil {
			writeError(c, err)
			return
		}
		res, err := messages.Search(c.Request.Context(), c.Query("q"), f, p)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.GET("/stats/enrichment", func(c *gin.Context) {
		stats, err := messages.EnrichmentStats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

func registerDeliveryRoutes(r *gin.Engine, delivery DeliveryStatsReader) {
	r.GET("/stats/notifications", func(c *gin.Context) {
		stats, err := delivery.DeliveryStats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

// parseListQuery 解析 account（可重复）、folder、label、read、since、until、offset、limit
func parseListQuery(c *gin.Context) (model.Filter, model.Page, error) {
	f := model.Filter{
		AccountIDs: c.QueryArray("account"),
		Folder:     c.Query("folder"),
	}
	var p model.Page

	if v := c.Query("label"); v != "" {
		label, ok := model.ParseLabel(v)
		if !ok {
			return f, p, fmt.Errorf("%w: label %q", errBadQuery, v)
		}
		f.Label = label
	}
	if v := c.Query("read"); v != "" {
		read, err := strconv.ParseBool(v)
		if err != nil {
			return f, p, fmt.Errorf("%w: read %q", errBadQuery, v)
		}
		f.IsRead = &read
	}
	for name, dst := range map[string]**time.Time{"since": &f.From, "until": &f.To} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, p, fmt.Errorf("%w: %s %q", errBadQuery, name, v)
		}
		*dst = &t
	}
	for name, dst := range map[string]*int{"offset": &p.Offset, "limit": &p.Limit} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, p, fmt.Errorf("%w: %s %q", errBadQuery, name, v)
		}
		*dst = n
	}
	return f, p, nil
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errBadQuery), errors.Is(err, service.ErrEmptyQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
