// Package types provides shared domain types used across multiple packages.
// It depends on nothing internal, which keeps import cycles out of the store
// and pipeline layers.
package types

import "time"

// Article is a content record supplied by the external content repository.
// The pipeline treats articles as read-only input and never mutates them.
type Article struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Publisher   string    `json:"publisher"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}
