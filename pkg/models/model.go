package models

import "time"

// ModelStatus tracks a managed model through download and activation.
type ModelStatus string

const (
	ModelPending     ModelStatus = "pending"
	ModelDownloading ModelStatus = "downloading"
	ModelPaused      ModelStatus = "paused"
	ModelCompleted   ModelStatus = "completed"
	ModelError       ModelStatus = "error"
	ModelCancelled   ModelStatus = "cancelled"
)

// ModelInfo is curated metadata for one model, local or cloud.
type ModelInfo struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Category string      `json:"category,omitempty"`
	Size     int64       `json:"size,omitempty"`
	Status   ModelStatus `json:"status"`

	// Progress is the download progress in percent, 0-100.
	Progress int `json:"progress"`

	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}

// ChatMessage is the normalized message shape handed to providers.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
