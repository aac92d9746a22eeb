package course

import "fmt"

// EntitlementError reports that the caller's subscription does not allow
// downloads. Surfaced to the user as a blocking alert.
type EntitlementError struct {
	UserID string // Profile or user id that attempted the download
	Err    error  // Underlying error, if any
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("user %s has no download permission", e.UserID)
}

func (e *EntitlementError) Unwrap() error {
	return e.Err
}

// AlreadyDownloadedError reports that the course is already present in the
// downloaded library.
type AlreadyDownloadedError struct {
	CourseID string
}

func (e *AlreadyDownloadedError) Error() string {
	return fmt.Sprintf("course %s is already downloaded", e.CourseID)
}

// StorageError reports that the device lacks the free space a download is
// estimated to need, including the safety margin.
type StorageError struct {
	RequiredBytes uint64 // Estimated requirement plus safety margin
	FreeBytes     uint64 // Free space observed at enqueue time
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("insufficient storage: need %d bytes, have %d bytes free", e.RequiredBytes, e.FreeBytes)
}

// TransferError reports a failed file transfer during course materialization.
// Any single failure aborts the whole course.
type TransferError struct {
	CourseID string // Course being materialized
	URL      string // Source that failed
	Err      error  // Underlying error, if any
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed for course %s (%s)", e.CourseID, e.URL)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
