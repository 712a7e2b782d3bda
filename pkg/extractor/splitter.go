package extractor

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Unit is one analyzable span of a document.
type Unit struct {
	Index  int
	Text   string
	Offset int // byte offset in the document
}

// Splitter breaks document text into units.
type Splitter interface {
	Split(text string) []Unit
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// abbreviations end with a period without ending a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true, "jr": true,
	"st": true, "inc": true, "corp": true, "ltd": true, "co": true, "vs": true, "etc": true,
	"e.g": true, "i.e": true, "jan": true, "feb": true, "mar": true, "apr": true,
	"jun": true, "jul": true, "aug": true, "sep": true, "sept": true, "oct": true, "nov": true, "dec": true,
}

// SentenceSplitter splits on blank lines and then on sentence boundaries.
// Sentences longer than MaxChars are cut into windows.
type SentenceSplitter struct {
	MaxChars int
}

// Split implements Splitter.
func (s SentenceSplitter) Split(text string) []Unit {
	var units []Unit
	add := func(offset int, span string) {
		trimmed := strings.TrimSpace(span)
		if trimmed == "" {
			return
		}
		offset += strings.Index(span, trimmed)
		if s.MaxChars > 0 && utf8.RuneCountInString(trimmed) > s.MaxChars {
			for _, w := range (WindowSplitter{Size: s.MaxChars}).Split(trimmed) {
				units = append(units, Unit{Index: len(units), Text: w.Text, Offset: offset + w.Offset})
			}
			return
		}
		units = append(units, Unit{Index: len(units), Text: trimmed, Offset: offset})
	}

	start := 0
	for _, loc := range append(paragraphBreak.FindAllStringIndex(text, -1), []int{len(text), len(text)}) {
		para := text[start:loc[0]]
		for _, b := range sentenceBounds(para) {
			add(start+b[0], para[b[0]:b[1]])
		}
		start = loc[1]
	}
	return units
}

// sentenceBounds returns [start,end) byte ranges of the sentences in para.
func sentenceBounds(para string) [][2]int {
	var out [][2]int
	start := 0
	for i := 0; i < len(para); {
		r, size := utf8.DecodeRuneInString(para[i:])
		i += size
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Swallow runs of terminal punctuation and closing quotes.
		for i < len(para) {
			next, sz := utf8.DecodeRuneInString(para[i:])
			if next != '.' && next != '!' && next != '?' && next != '"' && next != '\'' && next != ')' && next != '”' {
				break
			}
			i += sz
		}
		if i >= len(para) {
			break
		}
		next, _ := utf8.DecodeRuneInString(para[i:])
		if !unicode.IsSpace(next) {
			continue
		}
		if r == '.' && isAbbreviation(para[start:i]) {
			continue
		}
		rest := strings.TrimLeftFunc(para[i:], unicode.IsSpace)
		if rest != "" {
			first, _ := utf8.DecodeRuneInString(rest)
			if unicode.IsLower(first) {
				continue
			}
		}
		out = append(out, [2]int{start, i})
		start = i
	}
	if strings.TrimSpace(para[start:]) != "" {
		out = append(out, [2]int{start, len(para)})
	}
	return out
}

func isAbbreviation(sentence string) bool {
	fields := strings.Fields(strings.TrimRight(sentence, ".!?\"')”"))
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(strings.TrimLeft(fields[len(fields)-1], "(\"'“"))
	if utf8.RuneCountInString(last) == 1 && unicode.IsLetter([]rune(last)[0]) {
		return true // initials
	}
	return abbreviations[last]
}

// WindowSplitter cuts text into fixed windows of Size runes, each starting
// Size-Overlap runes after the previous one.
type WindowSplitter struct {
	Size    int
	Overlap int
}

// Split implements Splitter.
func (w WindowSplitter) Split(text string) []Unit {
	size := w.Size
	if size <= 0 {
		size = 600
	}
	step := size - w.Overlap
	if step <= 0 {
		step = size
	}

	// byteAt[i] is the byte offset of rune i.
	byteAt := make([]int, 0, len(text)+1)
	for i := range text {
		byteAt = append(byteAt, i)
	}
	n := len(byteAt)
	byteAt = append(byteAt, len(text))

	var units []Unit
	for i := 0; i < n; i += step {
		end := min(i+size, n)
		chunk := text[byteAt[i]:byteAt[end]]
		if strings.TrimSpace(chunk) != "" {
			units = append(units, Unit{Index: len(units), Text: chunk, Offset: byteAt[i]})
		}
		if end == n {
			break
		}
	}
	return units
}

// NewSplitter returns the splitter named kind: "sentence", "window" or
// "token".
func NewSplitter(kind string, size, overlap int, encoding string) (Splitter, error) {
	switch kind {
	case "", "sentence":
		return SentenceSplitter{MaxChars: size}, nil
	case "window":
		return WindowSplitter{Size: size, Overlap: overlap}, nil
	case "token":
		return NewTokenSplitter(encoding, size, overlap)
	}
	return nil, fmt.Errorf("unknown splitter %q", kind)
}
