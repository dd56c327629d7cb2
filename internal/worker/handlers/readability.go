package handlers

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

const longSentenceWords = 25

type Readability struct {
	Sentences        int     `json:"sentences"`
	Words            int     `json:"words"`
	AvgSentenceWords float64 `json:"avg_sentence_words"`
	LongSentences    int     `json:"long_sentences"`
}

var (
	tokenizerOnce sync.Once
	tokenizer     *sentences.DefaultSentenceTokenizer
	tokenizerErr  error
)

func sentenceTokenizer() (*sentences.DefaultSentenceTokenizer, error) {
	tokenizerOnce.Do(func() {
		tokenizer, tokenizerErr = english.NewSentenceTokenizer(nil)
	})
	return tokenizer, tokenizerErr
}

// measureReadability splits text into sentences and reports their length.
func measureReadability(text string) (Readability, error) {
	var r Readability
	if strings.TrimSpace(text) == "" {
		return r, nil
	}

	tok, err := sentenceTokenizer()
	if err != nil {
		return r, fmt.Errorf("load sentence tokenizer: %w", err)
	}

	for _, s := range tok.Tokenize(text) {
		words := len(strings.Fields(s.Text))
		if words == 0 {
			continue
		}
		r.Sentences++
		r.Words += words
		if words > longSentenceWords {
			r.LongSentences++
		}
	}

	if r.Sentences > 0 {
		r.AvgSentenceWords = math.Round(float64(r.Words)/float64(r.Sentences)*10) / 10
	}
	return r, nil
}
