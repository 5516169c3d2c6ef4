package voice

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/user/psyche/internal/types"
)

// Segmenter cuts a streamed reply into sentences. A sentence ends at '.', '!',
// '?' or '…' followed by whitespace, or at a newline. Terminators inside
// markup tags do not end a sentence.
type Segmenter struct {
	pending strings.Builder
}

// Push adds a chunk and returns every sentence it completed.
func (s *Segmenter) Push(chunk string) []string {
	s.pending.WriteString(chunk)
	text := s.pending.String()

	var out []string
	start := 0
	inTag := false
	runes := []rune(text)
	offset := 0
	for i, r := range runes {
		size := len(string(r))
		switch {
		case r == '<' && i+1 < len(runes) && startsTag(runes[i+1]):
			inTag = true
		case r == '>':
			inTag = false
		case !inTag && r == '\n':
			out = appendSentence(out, text[start:offset])
			start = offset + size
		case !inTag && isTerminator(r) && i+1 < len(runes) && unicode.IsSpace(runes[i+1]):
			out = appendSentence(out, text[start:offset+size])
			start = offset + size
		}
		offset += size
	}

	s.pending.Reset()
	s.pending.WriteString(text[start:])
	return out
}

// Flush returns whatever is left once the stream has ended.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	return rest
}

func appendSentence(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}

// startsTag reports whether r, following '<', opens markup rather than a
// comparison like "3 < 5".
func startsTag(r rune) bool {
	return r == '/' || unicode.IsLetter(r)
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

// isEmoji reports whether r is a pictographic symbol or one of the joiners
// and modifiers that glue emoji sequences together.
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // pictographs, emoticons, flags, modifiers
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0x200D, r == 0xFE0F, r == 0x20E3:
		return true
	}
	return false
}

// ExtractEmoji splits text into its emoji and the remaining words.
func ExtractEmoji(text string) (emoji, rest string) {
	var e, t strings.Builder
	for _, r := range text {
		if isEmoji(r) {
			e.WriteRune(r)
		} else {
			t.WriteRune(r)
		}
	}
	return e.String(), punctSpace.Replace(strings.Join(strings.Fields(t.String()), " "))
}

var punctSpace = strings.NewReplacer(" .", ".", " ,", ",", " !", "!", " ?", "?", " …", "…")

var (
	tagPattern   = regexp.MustCompile(`</?(?i:say|emote|move|break[_-]episode)\b[^<>]*/?>`)
	openPattern  = regexp.MustCompile(`<([A-Za-z][\w-]*)((?:\s+[\w-]+\s*=\s*"[^"]*")*)\s*(/?)>`)
	attrPattern  = regexp.MustCompile(`([\w-]+)\s*=\s*"([^"]*)"`)
	instructions = map[string]types.InstructionKind{
		"say":           types.InstructionSay,
		"emote":         types.InstructionEmote,
		"move":          types.InstructionMove,
		"break_episode": types.InstructionBreakEpisode,
	}
)

// StripTags removes instruction markup, keeping the text between tags. Angle
// brackets that are not instruction tags are left alone.
func StripTags(text string) string {
	return strings.Join(strings.Fields(tagPattern.ReplaceAllString(text, " ")), " ")
}

// ParseInstructions scans a reply for instruction tags of the form
// <name attr="v">body</name> or <name/>. Unknown names and unclosed tags that
// need a body are logged and skipped.
func ParseInstructions(reply string) []types.Instruction {
	var out []types.Instruction
	pos := 0
	for pos < len(reply) {
		loc := openPattern.FindStringSubmatchIndex(reply[pos:])
		if loc == nil {
			break
		}
		name := reply[pos+loc[2] : pos+loc[3]]
		attrs := reply[pos+loc[4] : pos+loc[5]]
		selfClosing := loc[6] != loc[7]
		end := pos + loc[1]

		key := strings.ReplaceAll(strings.ToLower(name), "-", "_")
		kind, known := instructions[key]
		if !known {
			slog.Warn("ignoring unknown instruction tag", "tag", name)
			pos = end
			continue
		}

		instr := types.Instruction{Kind: kind, Attrs: parseAttrs(attrs)}
		if !selfClosing {
			closing := "</" + name + ">"
			idx := strings.Index(strings.ToLower(reply[end:]), strings.ToLower(closing))
			switch {
			case idx >= 0:
				instr.Body = strings.TrimSpace(reply[end : end+idx])
				end += idx + len(closing)
			case kind != types.InstructionBreakEpisode:
				slog.Warn("ignoring unclosed instruction tag", "tag", name)
				pos = end
				continue
			}
		}
		out = append(out, instr)
		pos = end
	}
	return out
}

func parseAttrs(s string) map[string]string {
	matches := attrPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(matches))
	for _, m := range matches {
		attrs[m[1]] = m[2]
	}
	return attrs
}
