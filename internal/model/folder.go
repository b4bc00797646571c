package model

import "fmt"

// Folder is one of the fixed mailbox views.
type Folder string

const (
	FolderInbox     Folder = "inbox"
	FolderStarred   Folder = "starred"
	FolderSent      Folder = "sent"
	FolderDrafts    Folder = "drafts"
	FolderTrash     Folder = "trash"
	FolderArchived  Folder = "archived"
	FolderScheduled Folder = "scheduled"
)

// Folders lists every folder in display order.
var Folders = []Folder{
	FolderInbox, FolderStarred, FolderSent, FolderDrafts,
	FolderTrash, FolderArchived, FolderScheduled,
}

// ParseFolder validates a folder name.
func ParseFolder(s string) (Folder, error) {
	for _, f := range Folders {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown folder %q", s)
}
