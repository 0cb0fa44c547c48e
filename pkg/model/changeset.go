package model

import (
	"fmt"
	"time"
)

// ExecType describes how a changeset was applied.
type ExecType string

const (
	ExecTypeExecuted ExecType = "EXECUTED"
	ExecTypeFailed   ExecType = "FAILED"
	ExecTypeSkipped  ExecType = "SKIPPED"
	ExecTypeReran    ExecType = "RERAN"
	ExecTypeMarkRan  ExecType = "MARK_RAN"
)

// ExecTypes lists every value accepted by the changelog collection validator.
var ExecTypes = []ExecType{
	ExecTypeExecuted,
	ExecTypeFailed,
	ExecTypeSkipped,
	ExecTypeReran,
	ExecTypeMarkRan,
}

// RanChangeSet is one changelog document: the audit entry for one applied
// changeset. All fields are flat scalars.
type RanChangeSet struct {
	ChangeSetID   string     `bson:"id" json:"id" validate:"required,max=255"`
	Author        string     `bson:"author" json:"author" validate:"required,max=255"`
	FileName      string     `bson:"fileName" json:"file_name" validate:"required"`
	CheckSum      *string    `bson:"md5sum" json:"checksum,omitempty"`
	DateExecuted  *time.Time `bson:"dateExecuted" json:"date_executed,omitempty"`
	OrderExecuted *int32     `bson:"orderExecuted" json:"order_executed,omitempty" validate:"omitempty,min=1"`
	ExecType      ExecType   `bson:"execType" json:"exec_type" validate:"required,oneof=EXECUTED FAILED SKIPPED RERAN MARK_RAN"`
	Description   *string    `bson:"description" json:"description,omitempty"`
	Comments      *string    `bson:"comments" json:"comments,omitempty"`
	Tag           *string    `bson:"tag" json:"tag,omitempty"`
	Contexts      *string    `bson:"contexts" json:"contexts,omitempty"`
	Labels        *string    `bson:"labels" json:"labels,omitempty"`
	DeploymentID  *string    `bson:"deploymentId" json:"deployment_id,omitempty"`
	ToolVersion   *string    `bson:"liquibase" json:"tool_version,omitempty"`
}

// Key identifies a changeset across runs: file, id and author together.
func (r *RanChangeSet) Key() string {
	return ChangeSetKey(r.FileName, r.ChangeSetID, r.Author)
}

func ChangeSetKey(fileName, id, author string) string {
	return fmt.Sprintf("%s::%s::%s", fileName, id, author)
}

// StringPtr returns nil for empty strings so optional changelog fields are
// stored as null rather than "".
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
