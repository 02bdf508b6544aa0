package handlers

import (
	"net/http"

	"example.com/docstream/services/ledger/internal/search"
	"example.com/docstream/services/ledger/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SearchHandler queries the compliance_search read model
type SearchHandler struct {
	elastic *search.ElasticClient
	tracer  tracing.Tracer
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(elastic *search.ElasticClient, tracer tracing.Tracer) *SearchHandler {
	return &SearchHandler{
		elastic: elastic,
		tracer:  tracer,
	}
}

// HandleSearchDocuments runs a free-text search over indexed document reviews
func (h *SearchHandler) HandleSearchDocuments(c *gin.Context) {
	txn := h.tracer.StartTransaction("search-documents")
	defer h.tracer.EndTransaction(txn)

	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q,
				"fields": []string{"title", "uploader_id", "status", "policy_names"},
			},
		},
	}

	docs, err := h.elastic.SearchDocuments(c.Request.Context(), query)
	if err != nil {
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("query", q).Msg("Document search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"query": q, "documents": docs})
}

// RegisterRoutes registers the handler's routes
func (h *SearchHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/search/documents", h.HandleSearchDocuments)
}
