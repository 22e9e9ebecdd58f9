package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"maskpipe/pkg/store"
)

// Action defines the recommended action after an error
type Action int

const (
	// ActionContinue indicates processing should continue despite the error
	ActionContinue Action = iota
	// ActionRetry indicates the operation should be retried
	ActionRetry
	// ActionSkipDocument indicates the current document should be skipped
	ActionSkipDocument
	// ActionFailBatch indicates the current batch should be marked failed
	ActionFailBatch
	// ActionAbort indicates the entire run should be aborted
	ActionAbort
)

// ErrorCategory defines categories of errors during a masking run
type ErrorCategory int

const (
	// Error categories with increasing severity
	ErrorCategoryNone ErrorCategory = iota
	// ErrorCategoryTransform: a rule could not be applied to a document
	ErrorCategoryTransform
	// ErrorCategoryVerification: a sampled document failed post-run checks
	ErrorCategoryVerification
	// ErrorCategoryBatchWrite: a whole batch failed to persist
	ErrorCategoryBatchWrite
	// ErrorCategoryConnection: a backend became unreachable
	ErrorCategoryConnection
	// ErrorCategoryConfig: the run was misconfigured; never recoverable
	ErrorCategoryConfig
)

// String returns a string representation of the error category
func (ec ErrorCategory) String() string {
	switch ec {
	case ErrorCategoryNone:
		return "None"
	case ErrorCategoryTransform:
		return "Transform"
	case ErrorCategoryVerification:
		return "Verification"
	case ErrorCategoryBatchWrite:
		return "BatchWrite"
	case ErrorCategoryConnection:
		return "Connection"
	case ErrorCategoryConfig:
		return "Config"
	default:
		return fmt.Sprintf("Unknown(%d)", ec)
	}
}

// ErrorRecord represents a single error during a run
type ErrorRecord struct {
	Category    ErrorCategory
	Collection  string
	BatchSeq    int64
	DocumentID  string
	Field       string
	SourceValue interface{}
	Error       error
	Message     string // Derived from Error but stored for serialization
	Timestamp   time.Time
	RetryCount  int
	Recoverable bool
}

// NewErrorRecord creates a new error record with current timestamp
func NewErrorRecord(err error, category ErrorCategory) ErrorRecord {
	record := ErrorRecord{
		Category:    category,
		Error:       err,
		Timestamp:   time.Now(),
		BatchSeq:    -1,
		Recoverable: category != ErrorCategoryConfig,
	}

	if err != nil {
		record.Message = err.Error()
	}

	return record
}

// WithCollection adds collection information to the error record
func (r ErrorRecord) WithCollection(collection string) ErrorRecord {
	r.Collection = collection
	return r
}

// WithBatch adds batch information to the error record
func (r ErrorRecord) WithBatch(seq int64) ErrorRecord {
	r.BatchSeq = seq
	return r
}

// WithDocument adds document information to the error record
func (r ErrorRecord) WithDocument(documentID string) ErrorRecord {
	r.DocumentID = documentID
	return r
}

// WithField adds field information to the error record
func (r ErrorRecord) WithField(field string, sourceValue interface{}) ErrorRecord {
	r.Field = field
	r.SourceValue = sourceValue
	return r
}

// WithRetry sets retry information
func (r ErrorRecord) WithRetry(retryCount, maxRetries int) ErrorRecord {
	r.RetryCount = retryCount
	r.Recoverable = r.Category != ErrorCategoryConfig && retryCount < maxRetries
	return r
}

// String returns a formatted error message
func (r ErrorRecord) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] ", r.Category))

	if r.Collection != "" {
		sb.WriteString(fmt.Sprintf("Collection: %s ", r.Collection))
	}

	if r.BatchSeq >= 0 {
		sb.WriteString(fmt.Sprintf("Batch: %d ", r.BatchSeq))
	}

	if r.DocumentID != "" {
		sb.WriteString(fmt.Sprintf("Document: %s ", r.DocumentID))
	}

	if r.Field != "" {
		sb.WriteString(fmt.Sprintf("Field: %s ", r.Field))
		if r.SourceValue != nil {
			sb.WriteString(fmt.Sprintf("Value: %v ", r.SourceValue))
		}
	}

	if r.Error != nil {
		sb.WriteString(fmt.Sprintf("Error: %s", r.Error.Error()))
	} else if r.Message != "" {
		sb.WriteString(fmt.Sprintf("Error: %s", r.Message))
	}

	if r.RetryCount > 0 {
		sb.WriteString(fmt.Sprintf(" (Retry: %d)", r.RetryCount))
	}

	return sb.String()
}

// ErrorHandler collects errors during a run and recommends how to proceed
type ErrorHandler struct {
	logger       *zap.Logger
	maxRetries   int
	errorCounts  map[ErrorCategory]int
	sampleErrors map[ErrorCategory][]ErrorRecord
	failedDocs   map[string]string // document ID -> message
	mu           sync.Mutex
	maxSamples   int
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger, maxRetries int) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger,
		maxRetries:   maxRetries,
		errorCounts:  make(map[ErrorCategory]int),
		sampleErrors: make(map[ErrorCategory][]ErrorRecord),
		failedDocs:   make(map[string]string),
		maxSamples:   5, // Store up to 5 sample errors per category
	}
}

// CategorizeError determines the category of an error from its type
func (eh *ErrorHandler) CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}

	var category ErrorCategory
	switch {
	case store.IsConnError(err):
		category = ErrorCategoryConnection
	case isWriteError(err):
		category = ErrorCategoryBatchWrite
	default:
		category = ErrorCategoryTransform
	}

	if eh.logger != nil {
		eh.logger.Debug("Categorized error",
			zap.String("error", err.Error()),
			zap.String("category", category.String()))
	}

	return category
}

// HandleError processes an error and determines action
func (eh *ErrorHandler) HandleError(record ErrorRecord) Action {
	eh.RecordError(record)

	switch record.Category {
	case ErrorCategoryNone:
		return ActionContinue

	case ErrorCategoryTransform:
		// A document that cannot be transformed is skipped; the rest of
		// the batch proceeds.
		return ActionSkipDocument

	case ErrorCategoryVerification:
		return ActionContinue

	case ErrorCategoryBatchWrite, ErrorCategoryConnection:
		if record.RetryCount < eh.maxRetries {
			if eh.logger != nil {
				eh.logger.Warn("Retrying after error",
					zap.String("category", record.Category.String()),
					zap.Int64("batch", record.BatchSeq),
					zap.Int("retry", record.RetryCount+1),
					zap.String("error", record.Message))
			}
			return ActionRetry
		}
		if record.Category == ErrorCategoryConnection {
			// A connection that stays down after the retry budget is not
			// a per-batch problem; the run cannot make progress.
			if eh.logger != nil {
				eh.logger.Error("Connection lost, aborting run",
					zap.Int64("batch", record.BatchSeq),
					zap.String("error", record.Message))
			}
			return ActionAbort
		}
		return ActionFailBatch

	case ErrorCategoryConfig:
		if eh.logger != nil {
			eh.logger.Error("Configuration error, aborting run",
				zap.String("error", record.Message))
		}
		return ActionAbort

	default:
		return ActionContinue
	}
}

// RecordError saves an error occurrence
func (eh *ErrorHandler) RecordError(record ErrorRecord) {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	eh.errorCounts[record.Category]++

	samples := eh.sampleErrors[record.Category]
	if len(samples) < eh.maxSamples {
		eh.sampleErrors[record.Category] = append(samples, record)
	}

	if record.DocumentID != "" && record.Category == ErrorCategoryTransform {
		eh.failedDocs[record.DocumentID] = record.Message
	}

	if eh.logger != nil {
		logLevel := zap.InfoLevel
		switch record.Category {
		case ErrorCategoryBatchWrite, ErrorCategoryConnection:
			logLevel = zap.WarnLevel
		case ErrorCategoryConfig:
			logLevel = zap.ErrorLevel
		}

		eh.logger.Log(logLevel, "Run error",
			zap.String("category", record.Category.String()),
			zap.String("collection", record.Collection),
			zap.String("document", record.DocumentID),
			zap.String("error", record.Message),
			zap.Bool("recoverable", record.Recoverable),
			zap.Int("retryCount", record.RetryCount))
	}
}

// GetErrorSummary generates an error summary report
func (eh *ErrorHandler) GetErrorSummary() map[ErrorCategory]int {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	summary := make(map[ErrorCategory]int)
	for category, count := range eh.errorCounts {
		summary[category] = count
	}
	return summary
}

// GetErrorSamples returns sample errors for each category
func (eh *ErrorHandler) GetErrorSamples() map[ErrorCategory][]ErrorRecord {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	samples := make(map[ErrorCategory][]ErrorRecord)
	for category, records := range eh.sampleErrors {
		categorySamples := make([]ErrorRecord, len(records))
		copy(categorySamples, records)
		samples[category] = categorySamples
	}
	return samples
}

// FailedDocuments returns the IDs of documents skipped due to transform
// errors, with their messages.
func (eh *ErrorHandler) FailedDocuments() map[string]string {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	out := make(map[string]string, len(eh.failedDocs))
	for id, msg := range eh.failedDocs {
		out[id] = msg
	}
	return out
}

// TotalErrors returns the number of recorded errors across all categories.
func (eh *ErrorHandler) TotalErrors() int {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	total := 0
	for _, count := range eh.errorCounts {
		total += count
	}
	return total
}

func isWriteError(err error) bool {
	var we *store.WriteError
	return errors.As(err, &we)
}
