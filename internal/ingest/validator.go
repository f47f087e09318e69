package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fhaynes/saga/internal/shard"
	apperrors "github.com/fhaynes/saga/pkg/errors"
)

const (
	maxIndexLength = 255
	maxBodyLength  = 1048576
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// Validate checks the fields every ingest path requires.
func Validate(e *IngestEvent) error {
	errs := make(map[string]string)

	index := strings.TrimSpace(e.Index)
	switch {
	case index == "":
		errs["index"] = "index is required"
	case len(index) > maxIndexLength:
		errs["index"] = fmt.Sprintf("index must be at most %d characters", maxIndexLength)
	case strings.ContainsAny(index, `/\`) || index == "." || index == "..":
		errs["index"] = "index must be a plain name"
	}
	if len(e.Body) > maxBodyLength {
		errs["body"] = fmt.Sprintf("body must be at most %d characters", maxBodyLength)
	}
	if e.ShardType != "" {
		if _, err := shard.ParseShardType(e.ShardType); err != nil {
			errs["shard_type"] = "shard type must be primary or replica"
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
