package http

import (
	"github.com/fyrsmithlabs/researchd/internal/pipeline"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StartRequest is the request body for POST /research/start. An empty
// domain lets the pipeline pick one.
type StartRequest struct {
	Domain  string   `json:"domain"`
	Sources []string `json:"sources"`
}

// StartResponse is the response body for POST /research/start.
type StartResponse struct {
	TaskID string          `json:"task_id"`
	Status research.Status `json:"status"`
}

// StatusResponse is the response body for GET /research/status/:id.
type StatusResponse struct {
	research.Summary
	DomainSource  research.DomainSource `json:"domain_source,omitempty"`
	Flags         []research.Flag       `json:"flags,omitempty"`
	ReportPreview string                `json:"report_preview,omitempty"`
}

func newStatusResponse(t *research.Task) StatusResponse {
	resp := StatusResponse{
		Summary:      t.Summarize(),
		DomainSource: t.DomainSource,
		Flags:        t.Flags,
	}
	if t.Status == research.StatusCompleted {
		resp.ReportPreview = pipeline.Preview(t.Report)
	}
	return resp
}

// ReportResponse is the response body for GET /research/report/:id.
type ReportResponse struct {
	TaskID     string `json:"task_id"`
	Domain     string `json:"domain"`
	Report     string `json:"report"`
	ReportPath string `json:"report_path,omitempty"`
}

// ListResponse is the response body for GET /research/list.
type ListResponse struct {
	Tasks []research.Summary `json:"tasks"`
	Count int                `json:"count"`
}
