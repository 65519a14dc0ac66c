package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"arb-market/internal/models"
	"arb-market/internal/repository"

	"github.com/gin-gonic/gin"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// queryInt returns def when the parameter is absent or not a number
func queryInt(c *gin.Context, name string, def int) int {
	raw, ok := c.GetQuery(name)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// parseDate accepts RFC3339, a plain date or epoch milliseconds
func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New("invalid date " + strconv.Quote(raw))
}

// opportunityFilter reads limit, offset, page, dateFrom and dateTo. page is
// used only when offset is absent.
func opportunityFilter(c *gin.Context) (models.OpportunityFilter, error) {
	limit := queryInt(c, "limit", repository.DefaultLimit)
	if limit <= 0 {
		limit = repository.DefaultLimit
	}

	offset := queryInt(c, "offset", 0)
	if _, hasOffset := c.GetQuery("offset"); !hasOffset || offset == 0 {
		if page := queryInt(c, "page", 0); page != 0 {
			if page < 1 {
				page = 1
			}
			offset = (page - 1) * limit
		}
	}

	from, err := parseDate(c.Query("dateFrom"))
	if err != nil {
		return models.OpportunityFilter{}, err
	}
	to, err := parseDate(c.Query("dateTo"))
	if err != nil {
		return models.OpportunityFilter{}, err
	}

	return models.OpportunityFilter{
		Limit:    limit,
		Offset:   max(offset, 0),
		DateFrom: from,
		DateTo:   to,
	}, nil
}

func (s *Server) listOpportunities(c *gin.Context) {
	filter, err := opportunityFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items, total, err := s.deps.Records.ListOpportunities(c.Request.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list opportunities")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list opportunities"})
		return
	}
	c.JSON(http.StatusOK, listResponse[models.OpportunityRecord]{Items: items, Total: total})
}

func (s *Server) getOpportunity(c *gin.Context) {
	rec, err := s.deps.Records.GetOpportunity(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.String(http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get opportunity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get opportunity"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listSimulatedTrades(c *gin.Context) {
	limit := queryInt(c, "limit", repository.DefaultLimit)
	offset := queryInt(c, "offset", 0)

	items, total, err := s.deps.Records.ListSimulatedTrades(c.Request.Context(), limit, offset)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list simulated trades")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list simulated trades"})
		return
	}
	c.JSON(http.StatusOK, listResponse[models.SimulatedTrade]{Items: items, Total: total})
}

func (s *Server) getSimulatedTrade(c *gin.Context) {
	trade, err := s.deps.Records.GetSimulatedTrade(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.String(http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get simulated trade")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get simulated trade"})
		return
	}
	c.JSON(http.StatusOK, trade)
}
