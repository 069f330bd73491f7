package recon

import (
	"context"
	"time"
)

// StaticRecon returns a fixed PageStructure (or error) regardless of URL.
// It backs unit tests and local development without network access.
type StaticRecon struct {
	Structure *PageStructure
	Err       error
}

func (s *StaticRecon) AnalyzePage(_ context.Context, url string, _ time.Duration) (*PageStructure, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Structure == nil {
		return &PageStructure{URL: url, Buttons: []Button{}, Inputs: []Input{}, Links: []Link{}, Selectors: map[string]string{}}, nil
	}
	out := *s.Structure
	out.URL = url
	return &out, nil
}
