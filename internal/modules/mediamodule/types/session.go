// Package types provides the shared data model of the media module.
package types

import (
	"sort"
	"time"
)

// MediaType is the family an upload belongs to, resolved from its content type
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeImage MediaType = "image"
)

// Status represents the state of an upload session
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusUploading   Status = "uploading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// transitions lists the forward-only moves allowed from each status
var transitions = map[Status][]Status{
	StatusInitialized: {StatusUploading, StatusProcessing, StatusFailed},
	StatusUploading:   {StatusProcessing, StatusFailed},
	StatusProcessing:  {StatusCompleted, StatusFailed},
}

// CanTransitionTo reports whether moving from s to next is allowed
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// UploadSession tracks one chunked upload from initialization to completion
type UploadSession struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	Filename       string    `json:"filename"`
	ContentType    string    `json:"contentType"`
	MediaType      MediaType `json:"mediaType"`
	DeclaredSize   int64     `json:"declaredSize"`
	ChunkSize      int64     `json:"chunkSize"`
	TotalChunks    int       `json:"totalChunks"`
	UploadedChunks []int     `json:"uploadedChunks"`
	Status         Status    `json:"status"`
	FailureReason  string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// MarkChunks merges indices into the uploaded set, dropping anything outside
// [0, TotalChunks). It returns true when the set changed.
func (s *UploadSession) MarkChunks(indices []int) bool {
	seen := make(map[int]struct{}, len(s.UploadedChunks))
	for _, i := range s.UploadedChunks {
		seen[i] = struct{}{}
	}

	changed := false
	for _, i := range indices {
		if i < 0 || i >= s.TotalChunks {
			continue
		}
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		s.UploadedChunks = append(s.UploadedChunks, i)
		changed = true
	}

	if changed {
		sort.Ints(s.UploadedChunks)
	}
	return changed
}

// Expired reports whether the session outlived its expiry without completing.
// A session still processing is never expired; expiresAt only bounds idle uploads.
func (s *UploadSession) Expired(now time.Time) bool {
	if s.Status == StatusCompleted || s.Status == StatusProcessing {
		return false
	}
	return now.After(s.ExpiresAt)
}

// TotalChunks returns ceil(size/chunkSize)
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkTarget is a presigned location the client PUTs one chunk to
type ChunkTarget struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
	URL   string `json:"url"`
}

// InitRequest describes an upload the client is about to send
type InitRequest struct {
	OwnerID       string `json:"ownerId" binding:"required"`
	Filename      string `json:"filename" binding:"required"`
	ContentType   string `json:"contentType" binding:"required"`
	DeclaredSize  int64  `json:"declaredSize" binding:"required"`
	ChunkSizeHint int64  `json:"chunkSize"`
}

// InitResult is returned to the client after a session is created
type InitResult struct {
	SessionID     string        `json:"sessionId"`
	ChunkSize     int64         `json:"chunkSize"`
	TotalChunks   int           `json:"totalChunks"`
	UploadTargets []ChunkTarget `json:"uploadTargets"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}
