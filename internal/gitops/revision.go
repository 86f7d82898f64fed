package gitops

// Revision is a commit hash. RevisionNotFound marks a lookup that produced no commit.
type Revision string

const RevisionNotFound Revision = "NOT_FOUND"

// Valid reports whether r names a real commit.
func (r Revision) Valid() bool {
	return r != "" && r != RevisionNotFound
}

// Short returns the abbreviated form used in log lines and notifications.
func (r Revision) Short() string {
	if !r.Valid() {
		return string(RevisionNotFound)
	}
	if len(r) > 7 {
		return string(r[:7])
	}
	return string(r)
}

func (r Revision) String() string {
	if r == "" {
		return string(RevisionNotFound)
	}
	return string(r)
}
