package email

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// searchPlan is a search-language query interpreted for IMAP: the
// mailboxes to look in and the SEARCH criteria to run in each.
type searchPlan struct {
	Mailboxes []string
	Criteria  imap.SearchCriteria
}

// plan interprets the provider search language. Supported terms are
// in:, is:, label:, from:, to:, cc:, subject:, free text, "-" negation
// and parenthesized OR groups. Without a positive in: term the search
// covers every mailbox except trash and junk, minus the negated ones.
func (m Mailboxes) plan(query string) (searchPlan, error) {
	p := &planner{boxes: m, exclude: make(map[string]bool)}

	toks := tokenize(query)
	var sp searchPlan
	if err := p.sequence(&sp.Criteria, toks, true); err != nil {
		return searchPlan{}, err
	}

	candidates := p.include
	if len(candidates) == 0 {
		candidates = []string{m.Inbox, m.Archive, m.Sent, m.Drafts}
	}
	for _, mb := range candidates {
		if !p.exclude[mb] && !contains(sp.Mailboxes, mb) {
			sp.Mailboxes = append(sp.Mailboxes, mb)
		}
	}
	return sp, nil
}

type planner struct {
	boxes   Mailboxes
	include []string
	exclude map[string]bool
}

// sequence ANDs a run of terms into c. Mailbox terms are only allowed at
// the top level since a SEARCH cannot span mailboxes.
func (p *planner) sequence(c *imap.SearchCriteria, toks []string, top bool) error {
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		neg := false
		if tok == "-" && i+1 < len(toks) && toks[i+1] == "(" {
			neg = true
			i++
			tok = "("
		}

		switch tok {
		case "(":
			end := closing(toks, i)
			if end < 0 {
				return fmt.Errorf("unbalanced parenthesis in query")
			}
			group, err := p.group(toks[i+1 : end])
			if err != nil {
				return err
			}
			if neg {
				c.Not = append(c.Not, group)
			} else {
				and(c, &group)
			}
			i = end
		case ")":
			return fmt.Errorf("unbalanced parenthesis in query")
		case "OR":
			return fmt.Errorf("OR outside a group")
		default:
			if err := p.term(c, tok, top); err != nil {
				return err
			}
		}
	}
	return nil
}

// group parses the inside of a parenthesized group: clauses separated by
// OR, folded into nested binary ORs.
func (p *planner) group(toks []string) (imap.SearchCriteria, error) {
	var clauses []imap.SearchCriteria
	start, depth := 0, 0
	for i := 0; i <= len(toks); i++ {
		if i < len(toks) {
			switch toks[i] {
			case "(":
				depth++
				continue
			case ")":
				depth--
				continue
			}
			if toks[i] != "OR" || depth > 0 {
				continue
			}
		}
		var clause imap.SearchCriteria
		if err := p.sequence(&clause, toks[start:i], false); err != nil {
			return imap.SearchCriteria{}, err
		}
		clauses = append(clauses, clause)
		start = i + 1
	}

	out := clauses[len(clauses)-1]
	for i := len(clauses) - 2; i >= 0; i-- {
		out = imap.SearchCriteria{Or: [][2]imap.SearchCriteria{{clauses[i], out}}}
	}
	return out, nil
}

func (p *planner) term(c *imap.SearchCriteria, tok string, top bool) error {
	neg := false
	if strings.HasPrefix(tok, "-") && len(tok) > 1 {
		neg = true
		tok = tok[1:]
	}

	key, val, found := strings.Cut(tok, ":")
	if !found || val == "" {
		text(c, tok, neg)
		return nil
	}

	switch strings.ToLower(key) {
	case "in":
		return p.mailbox(p.mailboxFor(val), neg, top)
	case "is":
		switch strings.ToLower(val) {
		case "draft":
			return p.mailbox(p.boxes.Drafts, neg, top)
		case "starred":
			flag(c, imap.FlagFlagged, neg)
		case "important":
			flag(c, flagImportant, neg)
		case "unread":
			flag(c, imap.FlagSeen, !neg)
		case "read":
			flag(c, imap.FlagSeen, neg)
		default:
			return fmt.Errorf("unsupported query term %q", tok)
		}
	case "label":
		kw := keyword(val)
		if kw == "" {
			return fmt.Errorf("invalid label in query term %q", tok)
		}
		flag(c, imap.Flag(kw), neg)
	case "from", "to", "cc", "subject":
		header(c, key, val, neg)
	default:
		text(c, tok, neg)
	}
	return nil
}

func (p *planner) mailbox(name string, neg, top bool) error {
	if !top {
		return fmt.Errorf("mailbox terms cannot be grouped")
	}
	if neg {
		p.exclude[name] = true
	} else {
		p.include = append(p.include, name)
	}
	return nil
}

func (p *planner) mailboxFor(name string) string {
	switch strings.ToLower(name) {
	case "inbox":
		return p.boxes.Inbox
	case "sent":
		return p.boxes.Sent
	case "draft", "drafts":
		return p.boxes.Drafts
	case "trash":
		return p.boxes.Trash
	case "spam", "junk":
		return p.boxes.Junk
	case "archive":
		return p.boxes.Archive
	}
	return name
}

func flag(c *imap.SearchCriteria, f imap.Flag, neg bool) {
	if neg {
		c.NotFlag = append(c.NotFlag, f)
	} else {
		c.Flag = append(c.Flag, f)
	}
}

func text(c *imap.SearchCriteria, s string, neg bool) {
	if neg {
		c.Not = append(c.Not, imap.SearchCriteria{Text: []string{s}})
	} else {
		c.Text = append(c.Text, s)
	}
}

func header(c *imap.SearchCriteria, key, val string, neg bool) {
	field := imap.SearchCriteriaHeaderField{
		Key:   strings.ToUpper(key[:1]) + strings.ToLower(key[1:]),
		Value: val,
	}
	if neg {
		c.Not = append(c.Not, imap.SearchCriteria{Header: []imap.SearchCriteriaHeaderField{field}})
	} else {
		c.Header = append(c.Header, field)
	}
}

// and merges the fields the planner produces from src into dst.
func and(dst, src *imap.SearchCriteria) {
	dst.Flag = append(dst.Flag, src.Flag...)
	dst.NotFlag = append(dst.NotFlag, src.NotFlag...)
	dst.Text = append(dst.Text, src.Text...)
	dst.Header = append(dst.Header, src.Header...)
	dst.Not = append(dst.Not, src.Not...)
	dst.Or = append(dst.Or, src.Or...)
}

// closing returns the index of the parenthesis matching toks[open].
func closing(toks []string, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch toks[i] {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// tokenize splits a query on whitespace and parentheses. Double quotes
// group words into one token.
func tokenize(query string) []string {
	var (
		toks   []string
		cur    strings.Builder
		quoted bool
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range query {
		switch {
		case r == '"':
			quoted = !quoted
		case quoted:
			cur.WriteRune(r)
		case r == '(' || r == ')':
			flush()
			toks = append(toks, string(r))
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}
