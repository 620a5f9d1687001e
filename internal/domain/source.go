package domain

// EntryType distinguishes files from directories in a repository listing.
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// TreeEntry is one item of a directory listing, local or remote.
type TreeEntry struct {
	Name string    `json:"name"`
	Type EntryType `json:"type"`
}

// IsDir reports whether the entry is a directory.
func (e TreeEntry) IsDir() bool { return e.Type == EntryDir }
