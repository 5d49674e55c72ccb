package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// TextModel embeds a description string into a unit-length feature vector.
type TextModel interface {
	Embed(text string) ([]float32, error)
	Version() string
	Dimensions() int
}

// Service wraps the configured providers behind a bounded worker pool so
// embedding inference cannot stall every request handler at once.
type Service struct {
	text  TextModel
	image ImageModel
	sem   *semaphore.Weighted
	log   zerolog.Logger
}

// NewService creates an embedding service with at most workers concurrent
// inference calls.
func NewService(text TextModel, image ImageModel, workers int64, log zerolog.Logger) *Service {
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		text:  text,
		image: image,
		sem:   semaphore.NewWeighted(workers),
		log:   log.With().Str("component", "embedding").Logger(),
	}
}

// TextVersion returns the active text provider version.
func (s *Service) TextVersion() string { return s.text.Version() }

// ImageVersion returns the active image provider version.
func (s *Service) ImageVersion() string { return s.image.Version() }

// ImageDimensions returns the image vector size.
func (s *Service) ImageDimensions() int { return s.image.Dimensions() }

// EmbedText embeds a description. Failures propagate; the text fallback
// provider cannot fail.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire embed worker: %w", err)
	}
	defer s.sem.Release(1)
	return s.text.Embed(text)
}

// EmbedImages embeds each photo concurrently, bounded by the worker pool. A
// failed photo degrades to the zero vector; the result is always aligned 1:1
// with the input.
func (s *Service) EmbedImages(ctx context.Context, photos [][]byte) [][]float32 {
	vectors := make([][]float32, len(photos))
	var wg sync.WaitGroup

	for i, photo := range photos {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Context gone; zero-fill the rest and let the caller's
			// deadline handling decide what happens next.
			for j := i; j < len(photos); j++ {
				vectors[j] = make([]float32, s.image.Dimensions())
			}
			break
		}

		wg.Add(1)
		go func(i int, photo []byte) {
			defer wg.Done()
			defer s.sem.Release(1)

			vec, err := s.image.EmbedImage(ctx, photo)
			if err != nil {
				s.log.Warn().Err(err).Int("photo", i).Msg("image embedding failed, using zero vector")
				vectors[i] = make([]float32, s.image.Dimensions())
				return
			}
			vectors[i] = vec
		}(i, photo)
	}

	wg.Wait()
	return vectors
}
