package transcribe

import "sync"

// UtteranceBuffer accumulates words from multiple is_final Deepgram messages
// until speech_final signals the utterance is complete.
type UtteranceBuffer struct {
	mu    sync.Mutex
	words []Word
}

func NewUtteranceBuffer() *UtteranceBuffer {
	return &UtteranceBuffer{}
}

func (b *UtteranceBuffer) AddWords(words []Word) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.words = append(b.words, words...)
}

// Flush returns all accumulated words and resets the buffer.
// Returns nil if the buffer is empty.
func (b *UtteranceBuffer) Flush() []Word {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.words) == 0 {
		return nil
	}
	out := b.words
	b.words = nil
	return out
}
