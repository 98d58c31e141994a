package relay

import "github.com/keylan/babelcall/internal/domain"

// Translator transforms an audio chunk from the speaker's language to the
// listener's before it is forwarded. The actual speech translation engine
// plugs in here; the relay only defines the seam.
type Translator interface {
	Translate(from, to domain.Language, chunk []byte) ([]byte, error)
}

// Passthrough forwards audio unchanged. Used when no translation engine is
// configured and for same-language calls.
type Passthrough struct{}

func (Passthrough) Translate(_, _ domain.Language, chunk []byte) ([]byte, error) {
	return chunk, nil
}
