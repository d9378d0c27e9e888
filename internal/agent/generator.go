// Package agent implements the upstream side of the relay: the content
// generator collaborator and the producer that turns its fragments into a
// stream of protocol events.
package agent

import (
	"context"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"
)

// Generator is the content-generation collaborator. Generate returns a
// channel of word fragments that is closed when generation finishes, and a
// channel carrying at most one error. Implementations must stop producing
// and release resources promptly once ctx is cancelled.
type Generator interface {
	Generate(ctx context.Context, prompt string) (<-chan string, <-chan error)
}

// LoremGenerator produces lorem ipsum replies word by word. It stands in
// for the real language-model collaborator during development and tests.
type LoremGenerator struct {
	lorem *loremgen.Lorem
	words int
	delay time.Duration
}

// NewLoremGenerator creates a generator emitting roughly words fragments
// per reply, one every delay.
func NewLoremGenerator(words int, delay time.Duration) *LoremGenerator {
	if words <= 0 {
		words = 60
	}
	return &LoremGenerator{
		lorem: loremgen.New(),
		words: words,
		delay: delay,
	}
}

// Generate emits the reply word by word until the target length is reached
// or ctx is cancelled.
func (g *LoremGenerator) Generate(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	fragments := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errc)

		var produced int
		for produced < g.words {
			sentence := g.lorem.Sentence(5, 15)
			for _, word := range strings.Fields(sentence) {
				if produced >= g.words {
					break
				}
				if g.delay > 0 {
					select {
					case <-time.After(g.delay):
					case <-ctx.Done():
						errc <- ctx.Err()
						return
					}
				}
				select {
				case fragments <- word:
					produced++
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return fragments, errc
}
