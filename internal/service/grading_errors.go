package service

import "errors"

// ErrFetch indicates the submission detail could not be loaded from the LMS.
var ErrFetch = errors.New("fetch submission detail failed")

// ErrDownload indicates an attachment could not be copied to scratch storage.
var ErrDownload = errors.New("download attachment failed")

// ErrNoFiles indicates the submission carries no attachments to review.
var ErrNoFiles = errors.New("submission has no attachments")

// ErrReview indicates the AI reviewer failed or returned an incomplete review.
var ErrReview = errors.New("review failed")

// ErrInvalidScore indicates the reviewer declared a score outside the integers 0..100.
var ErrInvalidScore = errors.New("invalid score")

// ErrSubmit indicates the LMS rejected or never acknowledged the grade.
var ErrSubmit = errors.New("submit grade failed")
