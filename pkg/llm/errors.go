package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ProviderError is a generation failure after the retry policy gave up.
type ProviderError struct {
	Provider  string
	Transient bool
	// MidStream is set when the stream failed after deltas were emitted.
	MidStream bool
	Attempts  int
	Status    int
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	msg := fmt.Sprintf("%s provider error (%s", e.Provider, kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(", status=%d", e.Status)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(", attempts=%d", e.Attempts)
	}
	if e.MidStream {
		msg += ", mid-stream"
	}
	return msg + "): " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

type classified struct {
	err       error
	transient bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retry-safe regardless of its shape.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: true}
}

// Permanent marks err as not retry-safe regardless of its shape.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, transient: false}
}

// IsTransient reports whether err belongs to the retry-safe class:
// connection failures, timeouts, I/O faults and provider statuses
// 408, 429 and 5xx. Caller cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var c *classified
	if errors.As(err, &c) {
		return c.transient
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if status := statusCode(err); status != 0 {
		return transientStatus(status)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

func statusCode(err error) int {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	return 0
}

func wrapProviderError(provider string, err error, attempts int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Attempts == 0 {
			pe.Attempts = attempts
		}
		return pe
	}

	return &ProviderError{
		Provider:  provider,
		Transient: IsTransient(err),
		Attempts:  attempts,
		Status:    statusCode(err),
		Err:       err,
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
