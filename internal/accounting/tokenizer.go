package accounting

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding serves variants with no tokenizer configured and unknown
// tokenizer names.
const defaultEncoding = "cl100k_base"

// encoders caches tiktoken encoders process-wide. Loading an encoding parses
// its BPE table, which is far too slow to repeat per record.
var encoders sync.Map // encoding name → *tiktoken.Tiktoken

// CountTokens tokenizes text with the named encoding.
func CountTokens(encoding, text string) (int, error) {
	if encoding == "" {
		encoding = defaultEncoding
	}

	enc, err := encoderFor(encoding)
	if err != nil {
		if encoding == defaultEncoding {
			return 0, err
		}
		// Unknown encoding name: count with the default rather than fail
		// the whole accounting record.
		enc, err = encoderFor(defaultEncoding)
		if err != nil {
			return 0, err
		}
	}

	return len(enc.Encode(text, nil, nil)), nil
}

func encoderFor(encoding string) (*tiktoken.Tiktoken, error) {
	if cached, ok := encoders.Load(encoding); ok {
		return cached.(*tiktoken.Tiktoken), nil
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("accounting: load encoding %q: %w", encoding, err)
	}

	actual, _ := encoders.LoadOrStore(encoding, enc)
	return actual.(*tiktoken.Tiktoken), nil
}
