package models

import "errors"

var (
	// Feed unavailable; retried next cycle, never fatal.
	ErrTransientFetch = errors.New("transient fetch error")
	// Required post fields missing; the post is skipped.
	ErrMalformedPost = errors.New("malformed post")
	// Template configuration rejected; startup or reload fails.
	ErrTemplateLoad = errors.New("template load error")
	// Comment or report failed; never retried.
	ErrActionExecution = errors.New("action execution error")
	// Post id already present in the duplicate index.
	ErrDuplicatePost = errors.New("post already processed")
	// Post already has moderator attention (locked, stickied or removed).
	ErrFilteredPost = errors.New("post filtered")
)
