package handlers

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/austenmoss/testforge/internal/data/repos"
	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/http/response"
	"github.com/austenmoss/testforge/internal/pkg/dbctx"
)

type TestHandler struct {
	tests repos.TestCaseRepo
}

func NewTestHandler(tests repos.TestCaseRepo) *TestHandler {
	return &TestHandler{tests: tests}
}

// GET /tests?search=&test_type=&page=&page_size=
func (h *TestHandler) ListTests(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	rows, total, err := h.tests.Search(
		dbctx.Context{Ctx: c.Request.Context()},
		c.Query("search"),
		c.Query("test_type"),
		page,
		pageSize,
	)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"tests": rows,
		"total": total,
		"page":  page,
	})
}

// GET /tests/export?format=zip|json|yaml&request_id=
// Failed and duplicate tests never appear in a bundle.
func (h *TestHandler) ExportTests(c *gin.Context) {
	requestID, err := uuid.Parse(c.Query("request_id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_id", err)
		return
	}

	all, err := h.tests.GetByRequestID(dbctx.Context{Ctx: c.Request.Context()}, requestID)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	exportable := make([]*types.TestCase, 0, len(all))
	for _, t := range all {
		if t.ValidationStatus == types.ValidationFailed || t.IsDuplicate {
			continue
		}
		exportable = append(exportable, t)
	}

	switch c.DefaultQuery("format", "json") {
	case "json":
		c.Header("Content-Disposition", `attachment; filename="tests.json"`)
		c.JSON(http.StatusOK, exportable)
	case "yaml":
		out, err := yaml.Marshal(exportable)
		if err != nil {
			response.RespondDomainError(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="tests.yaml"`)
		c.Data(http.StatusOK, "application/x-yaml", out)
	case "zip":
		out, err := zipBundle(exportable)
		if err != nil {
			response.RespondDomainError(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="tests.zip"`)
		c.Data(http.StatusOK, "application/zip", out)
	default:
		response.RespondError(c, http.StatusBadRequest, "invalid_format", fmt.Errorf("format must be zip, json, or yaml"))
	}
}

func zipBundle(tests []*types.TestCase) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, t := range tests {
		name := fmt.Sprintf("%s_%s.txt", t.Name, t.ID.String()[:8])
		f, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write([]byte(t.Code)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
