// Package routing decides what the run loop does with a message: which agent
// profile handles it, which tools run, and which parameters an action gets.
//
// Every decision is asked of a language model first. Output that cannot be
// parsed is reported as ErrMalformedOutput internally and replaced by a
// deterministic fallback, so routing never fails a request.
package routing
