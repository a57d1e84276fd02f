package models

// SubmissionRef is a pending submission as it appears in the LMS listing.
type SubmissionRef struct {
	ID             string `json:"attempt_id"`
	StudentName    string `json:"name"`
	AssignmentName string `json:"assessment_name"`
}

// Submission represents one student's uploaded files for one assignment, pending review.
type Submission struct {
	ID           string    `json:"attempt_id"`
	StudentName  string    `json:"student_name"`
	ExerciseID   string    `json:"exercise_id"`
	ExerciseName string    `json:"exercise_name"`
	ClassID      string    `json:"class_id"`
	Files        []FileRef `json:"files"`
}

// FileRef points at an attachment stored by the LMS.
type FileRef struct {
	SubmissionID string `json:"submission_id"`
	// Index is the attachment's position within the submission.
	Index int    `json:"index"`
	Name  string `json:"name"`
	URL   string `json:"url"`
}

// DownloadedFile is a submission attachment copied to local scratch storage.
type DownloadedFile struct {
	Path   string  `json:"path"`
	Source FileRef `json:"source"`
	Size   int64   `json:"size"`
}

// FilePaths lists the local paths of the given files in order.
func FilePaths(files []DownloadedFile) []string {
	paths := make([]string, 0, len(files))
	for _, file := range files {
		paths = append(paths, file.Path)
	}
	return paths
}
