package pipeline

import "strings"

// sentenceEnders are the characters that terminate a sentence for TTS
// purposes.
const sentenceEnders = ".!?"

// splitter accumulates streamed tokens and cuts them into sentences, the
// smallest synthesis unit. It is not safe for concurrent use; tokens of one
// turn arrive from a single goroutine.
type splitter struct {
	buf  strings.Builder
	emit func(sentence string)
}

func newSplitter(emit func(sentence string)) *splitter {
	return &splitter{emit: emit}
}

// feed appends text to the buffer and emits every complete sentence found:
// the buffer is cut directly after the first sentence-ending character,
// trimmed, and handed to emit. A single token may complete several
// sentences.
func (s *splitter) feed(text string) {
	s.buf.WriteString(text)
	buffered := s.buf.String()
	for {
		i := strings.IndexAny(buffered, sentenceEnders)
		if i < 0 {
			break
		}
		sentence := strings.TrimSpace(buffered[:i+1])
		buffered = buffered[i+1:]
		if sentence != "" {
			s.emit(sentence)
		}
	}
	s.buf.Reset()
	s.buf.WriteString(buffered)
}

// flush emits any remaining buffered text as a final sentence. Called when
// generation completes so trailing text without a terminator is still
// spoken.
func (s *splitter) flush() {
	remainder := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if remainder != "" {
		s.emit(remainder)
	}
}
