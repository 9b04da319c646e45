package chunker

import (
	"regexp"
	"strconv"
	"unicode/utf8"

	"ragdocs/internal/domain"
)

// Defaults used when the configuration leaves chunking unset.
const (
	DefaultMaxSize = 1000
	DefaultOverlap = 200
)

var (
	// sentenceEnd matches terminal punctuation, optional closing quotes or
	// brackets, and the whitespace after them. The boundary is the match end.
	sentenceEnd = regexp.MustCompile(`[.!?]+["'”’)\]]*\s+`)
	// paragraphEnd matches a blank line.
	paragraphEnd = regexp.MustCompile(`\n[ \t\r]*\n\s*`)
)

// Split divides content into ordered, overlapping spans of at most maxSize
// bytes. Cuts fall on paragraph or sentence boundaries where possible and on
// rune boundaries otherwise. Consecutive spans never leave a gap.
func Split(content string, maxSize, overlap int) ([]domain.Span, error) {
	if err := validate(maxSize, overlap); err != nil {
		return nil, err
	}
	n := len(content)
	if n == 0 {
		return nil, nil
	}
	sentences := boundaries(sentenceEnd, content)
	paragraphs := boundaries(paragraphEnd, content)

	var spans []domain.Span
	pos := 0
	for {
		end := pos + maxSize
		hard := false
		if end >= n {
			end = n
		} else if b := lastBoundary(paragraphs, pos+maxSize/2, end); b > 0 && b > pos+overlap {
			end = b
		} else if b := lastBoundary(sentences, pos+overlap+1, end); b > 0 {
			end = b
		} else {
			end = runeFloor(content, pos, end)
			hard = true
		}
		spans = append(spans, domain.Span{Start: pos, End: end})
		if end == n {
			break
		}

		next := end
		if from := end - overlap; overlap > 0 && from > pos {
			if hard {
				next = runeCeil(content, from)
			} else if b := firstBoundary(sentences, from, end); b > 0 {
				next = b
			}
		}
		pos = next
	}
	return spans, nil
}

func validate(maxSize, overlap int) error {
	if maxSize < utf8.UTFMax {
		return &domain.ConfigurationError{Field: "chunker.max_size", Reason: "must be at least " + strconv.Itoa(utf8.UTFMax) + " so any rune fits, got " + strconv.Itoa(maxSize)}
	}
	if overlap < 0 {
		return &domain.ConfigurationError{Field: "chunker.overlap", Reason: "must not be negative, got " + strconv.Itoa(overlap)}
	}
	if overlap >= maxSize {
		return &domain.ConfigurationError{Field: "chunker.overlap", Reason: "must be smaller than max_size"}
	}
	return nil
}

func boundaries(re *regexp.Regexp, content string) []int {
	locs := re.FindAllStringIndex(content, -1)
	out := make([]int, 0, len(locs))
	for _, l := range locs {
		out = append(out, l[1])
	}
	return out
}

// lastBoundary returns the greatest boundary b with lo <= b <= hi, or -1.
func lastBoundary(bs []int, lo, hi int) int {
	for i := len(bs) - 1; i >= 0; i-- {
		if bs[i] > hi {
			continue
		}
		if bs[i] >= lo {
			return bs[i]
		}
		break
	}
	return -1
}

// firstBoundary returns the smallest boundary b with lo <= b <= hi, or -1.
func firstBoundary(bs []int, lo, hi int) int {
	for _, b := range bs {
		if b > hi {
			break
		}
		if b >= lo {
			return b
		}
	}
	return -1
}

// runeFloor moves end back onto a rune start, keeping at least one rune after pos.
func runeFloor(s string, pos, end int) int {
	for end > pos && !utf8.RuneStart(s[end]) {
		end--
	}
	if end == pos {
		_, size := utf8.DecodeRuneInString(s[pos:])
		end = pos + size
	}
	return end
}

// runeCeil moves i forward onto a rune start.
func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// SpanChunker splits documents into overlapping chunks with stable ids.
type SpanChunker struct {
	maxSize int
	overlap int
}

// New validates the parameters and returns a chunker.
func New(maxSize, overlap int) (*SpanChunker, error) {
	if err := validate(maxSize, overlap); err != nil {
		return nil, err
	}
	return &SpanChunker{maxSize: maxSize, overlap: overlap}, nil
}

// Chunk splits the document content. Chunk ids are derived from the document
// id and position, so reprocessing yields identical chunks.
func (c *SpanChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	spans, err := Split(document.Content, c.maxSize, c.overlap)
	if err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(spans))
	for i, sp := range spans {
		chunks = append(chunks, domain.Chunk{
			ID:         ChunkID(document.ID, i),
			DocumentID: document.ID,
			Index:      i,
			Span:       sp,
			Text:       document.Content[sp.Start:sp.End],
		})
	}
	return chunks, nil
}

// ChunkID returns the id of the chunk at position idx of a document.
func ChunkID(documentID string, idx int) string {
	return documentID + ":" + strconv.Itoa(idx)
}
