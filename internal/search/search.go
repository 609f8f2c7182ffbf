package search

import (
	"context"
	"time"
)

// Result is a single message hit returned to the caller.
type Result struct {
	MessageID    string    `json:"messageId"`
	DepartmentID string    `json:"departmentId"`
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName"`
	Type         string    `json:"type"`
	Snippet      string    `json:"snippet"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Query describes a search request scoped to one department.
type Query struct {
	Text         string
	DepartmentID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message. Deleted messages and
// messages without text are never indexed.
type MessageRecord struct {
	ID           string `json:"id"`
	DepartmentID string `json:"departmentId"`
	CompanyID    string `json:"companyId"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	CreatedAt    int64  `json:"createdAt"`
}
