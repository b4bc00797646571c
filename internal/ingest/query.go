package ingest

import (
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

// folderQueries maps each folder to its base provider predicate.
// Archived has no provider keyword of its own: it is everything that is
// in none of the other system folders.
var folderQueries = map[model.Folder]string{
	model.FolderInbox:     "in:inbox",
	model.FolderStarred:   "is:starred",
	model.FolderSent:      "in:sent",
	model.FolderDrafts:    "is:draft",
	model.FolderTrash:     "in:trash",
	model.FolderArchived:  "-in:inbox -in:trash -in:spam -in:sent -is:draft",
	model.FolderScheduled: "label:scheduled",
}

// BuildQuery renders sel in the provider search language: the folder
// predicate, then an OR-group with one clause per label, then the search
// text.
func BuildQuery(sel model.Selection) string {
	base, ok := folderQueries[sel.Folder]
	if !ok {
		base = folderQueries[model.FolderInbox]
	}
	parts := []string{base}

	if len(sel.Labels) > 0 {
		clauses := make([]string, 0, len(sel.Labels))
		for _, l := range sel.Labels {
			clauses = append(clauses, "label:"+labelTerm(l))
		}
		parts = append(parts, "("+strings.Join(clauses, " OR ")+")")
	}

	if search := strings.TrimSpace(sel.Search); search != "" {
		parts = append(parts, search)
	}

	return strings.Join(parts, " ")
}

// labelTerm writes a label name the way the search language expects it:
// whitespace becomes a dash.
func labelTerm(l model.Label) string {
	return strings.Join(strings.Fields(string(l)), "-")
}
