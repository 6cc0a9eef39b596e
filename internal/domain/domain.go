package domain

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

type Tag string

const (
	TagMalware Tag = "malware"
	TagBenign  Tag = "benign"
)

// Tags lists every accepted classification label.
var Tags = []Tag{TagMalware, TagBenign}

func ParseTag(s string) (Tag, error) {
	switch Tag(s) {
	case TagMalware, TagBenign:
		return Tag(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, s)
	}
}

func (t Tag) Valid() bool {
	return t == TagMalware || t == TagBenign
}

var hashPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateHash rejects hashes that could not be used verbatim as a file name
// or a store key.
func ValidateHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

type Task struct {
	Hash string `json:"hash" bson:"hash"`
	Tag  Tag    `json:"tag" bson:"tag"`

	// Status is true once the task completed successfully. Pending and
	// failed tasks both carry false.
	Status bool   `json:"status" bson:"status"`
	Error  string `json:"error,omitempty" bson:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Failed reports whether a worker reported an error for a task that has not
// completed since.
func (t Task) Failed() bool {
	return !t.Status && t.Error != ""
}

// Filter narrows a count query. Zero fields match everything.
type Filter struct {
	Status    *bool
	Tag       Tag
	WithError bool
}

func (f Filter) Match(t Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Tag != "" && t.Tag != f.Tag {
		return false
	}
	if f.WithError && t.Error == "" {
		return false
	}
	return true
}

func StatusIs(v bool) *bool {
	return &v
}

type Stats struct {
	Total     int64         `json:"total"`
	Completed int64         `json:"completed"`
	Pending   int64         `json:"pending"`
	Failed    int64         `json:"failed"`
	ByTag     map[Tag]int64 `json:"byTag"`
}

type StatusReport struct {
	Hash    string
	Success bool
	Error   string
}

// Blob is one uploaded artifact. Size is the declared length of Content.
type Blob struct {
	Content io.Reader
	Size    int64
}

type ArtifactFiles struct {
	APK    string `json:"apk"`
	Report string `json:"report"`
}

type ArtifactSizes struct {
	APK    int64 `json:"apk"`
	Report int64 `json:"report"`
}

type Submission struct {
	Hash   string
	Tag    Tag
	APK    Blob
	Report Blob
}

type SubmissionResult struct {
	Hash  string
	Tag   Tag
	Files ArtifactFiles
	Sizes ArtifactSizes
	// Marked is false when the artifacts were stored but no task with the
	// hash existed to be marked complete.
	Marked bool
}

type NextTaskResponse struct {
	Hash string `json:"hash"`
	Tag  Tag    `json:"tag"`
}

type StatusUpdateRequest struct {
	Hash   string `json:"hash" validate:"required"`
	Status *bool  `json:"status" validate:"required"`
	Error  string `json:"error,omitempty"`
}

type StatusUpdateResponse struct {
	OK     bool   `json:"ok"`
	Hash   string `json:"hash"`
	Status bool   `json:"status"`
}

type SubmitResponse struct {
	OK    bool          `json:"ok"`
	Hash  string        `json:"hash"`
	Tag   Tag           `json:"tag"`
	Files ArtifactFiles `json:"files"`
	Sizes ArtifactSizes `json:"sizes"`
}

type AddTaskRequest struct {
	Hash string `json:"hash" validate:"required"`
	Tag  string `json:"tag" validate:"required"`
}

type AddTaskResponse struct {
	OK          bool   `json:"ok"`
	Hash        string `json:"hash"`
	Tag         Tag    `json:"tag"`
	QueueLength *int64 `json:"queueLength,omitempty"`
}

type ErrorResponse struct {
	Error    string   `json:"error"`
	Message  string   `json:"message,omitempty"`
	Hash     string   `json:"hash,omitempty"`
	Required []string `json:"required,omitempty"`
}

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
	ErrInvalidTag   = errors.New(`invalid tag, must be "malware" or "benign"`)
	ErrInvalidHash  = errors.New("invalid hash")
	ErrBlobTooLarge = errors.New("file too large")
	ErrMissingBlob  = errors.New("missing file")
)

type EventType string

const (
	EventRegistered EventType = "registered"
	EventStatus     EventType = "status"
	EventArtifacts  EventType = "artifacts"
)

// TaskEvent announces a task lifecycle change to outside listeners.
type TaskEvent struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	Hash   string    `json:"hash"`
	Tag    Tag       `json:"tag,omitempty"`
	Status bool      `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}
