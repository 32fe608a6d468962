package domain

import (
	"errors"
	"fmt"

	"github.com/you-humble/dococr/core/ocr"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskBusy          = errors.New("task is still held by a worker")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoEngines         = errors.New("no OCR engine available")
	ErrNoFiles           = errors.New("no files submitted")
	ErrTooManyFiles      = errors.New("too many files")
)

const (
	KindInvalidFileType   = "invalid_file_type"
	KindFileSizeExceeded  = "file_size_exceeded"
	KindEmptyFile         = "empty_file"
	KindEngineNotFound    = "engine_not_found"
	KindEngineUnavailable = "engine_unavailable"
	KindEngineProcessing  = "engine_processing"
	KindStaging           = "staging"
	KindInternal          = "internal"
)

// TaskError is the failure recorded on a task.
type TaskError struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func (e TaskError) Error() string {
	if e.Reason != "" {
		return e.Kind + " (" + e.Reason + "): " + e.Message
	}
	return e.Kind + ": " + e.Message
}

type InvalidFileTypeError struct {
	Filename string
	Detected string
}

func (e *InvalidFileTypeError) Error() string {
	return fmt.Sprintf("file %q has unsupported type %s", e.Filename, e.Detected)
}

type FileSizeExceededError struct {
	Filename string
	Size     int64
	Limit    int64
}

func (e *FileSizeExceededError) Error() string {
	return fmt.Sprintf("file %q is %d bytes, limit is %d", e.Filename, e.Size, e.Limit)
}

type EmptyFileError struct {
	Filename string
}

func (e *EmptyFileError) Error() string {
	return fmt.Sprintf("file %q is empty", e.Filename)
}

type EngineNotFoundError struct {
	Name string
}

func (e *EngineNotFoundError) Error() string {
	return fmt.Sprintf("engine %q is not registered", e.Name)
}

type EngineUnavailableError struct {
	Name string
	Err  error
}

func (e *EngineUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine %q is unavailable", e.Name)
	}
	return fmt.Sprintf("engine %q is unavailable: %v", e.Name, e.Err)
}

func (e *EngineUnavailableError) Unwrap() error { return e.Err }

// TaskErrorFrom classifies err for storage on a task.
func TaskErrorFrom(err error) TaskError {
	var (
		typeErr     *InvalidFileTypeError
		sizeErr     *FileSizeExceededError
		emptyErr    *EmptyFileError
		notFound    *EngineNotFoundError
		unavailable *EngineUnavailableError
		processing  *ocr.ProcessingError
		taskErr     TaskError
	)

	switch {
	case errors.As(err, &taskErr):
		return taskErr
	case errors.As(err, &typeErr):
		return TaskError{Kind: KindInvalidFileType, Message: err.Error()}
	case errors.As(err, &sizeErr):
		return TaskError{Kind: KindFileSizeExceeded, Message: err.Error()}
	case errors.As(err, &emptyErr):
		return TaskError{Kind: KindEmptyFile, Message: err.Error()}
	case errors.As(err, &notFound):
		return TaskError{Kind: KindEngineNotFound, Message: err.Error()}
	case errors.As(err, &unavailable):
		return TaskError{Kind: KindEngineUnavailable, Message: err.Error()}
	case errors.As(err, &processing):
		return TaskError{Kind: KindEngineProcessing, Reason: processing.Reason, Message: err.Error()}
	default:
		return TaskError{Kind: KindInternal, Message: err.Error()}
	}
}
