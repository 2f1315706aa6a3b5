package stores

import "time"

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Stats aggregates sync history for the status endpoint and CLI.
type Stats struct {
	OperationsByStatus map[string]int `json:"operations_by_status"`
	ItemsByStatus      map[string]int `json:"items_by_status"`
	ItemsByType        map[string]int `json:"items_by_type"`
	LastSuccessfulSync *time.Time     `json:"last_successful_sync,omitempty"`
}

// ListFilter narrows ListOperations results. Zero values mean no filter.
type ListFilter struct {
	Status string
	Kind   string
	Limit  int
	Offset int
}
