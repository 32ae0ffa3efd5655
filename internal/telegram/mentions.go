package telegram

import (
	"sort"
	"strings"

	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/tg"

	"github.com/danhigham/telefleet/internal/authz"
)

// segment is a run of text; mention is the index of the mentioned user in
// the token list, or -1 for plain text.
type segment struct {
	text    string
	mention int
}

// splitMentions cuts text at the first occurrence of every token.
func splitMentions(text string, tokens []string) []segment {
	type hit struct{ at, token int }
	var hits []hit
	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		if at := strings.Index(text, tok); at >= 0 {
			hits = append(hits, hit{at: at, token: i})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	var out []segment
	pos := 0
	for _, h := range hits {
		if h.at < pos {
			continue
		}
		if h.at > pos {
			out = append(out, segment{text: text[pos:h.at], mention: -1})
		}
		end := h.at + len(tokens[h.token])
		out = append(out, segment{text: text[h.at:end], mention: h.token})
		pos = end
	}
	if pos < len(text) {
		out = append(out, segment{text: text[pos:], mention: -1})
	}
	return out
}

// mentionParts renders "@<number>" occurrences of the mentioned chat ids as
// user mentions. It returns nil when none of them can be linked.
func (c *Conn) mentionParts(text string, mentions []string) []styling.StyledTextOption {
	tokens := make([]string, len(mentions))
	users := make([]tg.InputUserClass, len(mentions))
	linked := false
	for i, m := range mentions {
		cp, ok := c.peers.get(m)
		if !ok {
			continue
		}
		u, ok := cp.input.(*tg.InputPeerUser)
		if !ok {
			continue
		}
		tokens[i] = "@" + authz.BareNumber(m)
		users[i] = &tg.InputUser{UserID: u.UserID, AccessHash: u.AccessHash}
		linked = true
	}
	if !linked {
		return nil
	}

	var parts []styling.StyledTextOption
	for _, s := range splitMentions(text, tokens) {
		if s.mention < 0 {
			parts = append(parts, styling.Plain(s.text))
			continue
		}
		parts = append(parts, styling.MentionName(s.text, users[s.mention]))
	}
	return parts
}
