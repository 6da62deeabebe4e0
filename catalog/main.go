package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed series.yaml
var defaultSeries []byte

var (
	ErrUnknownSeries  = errors.New("catalog: unknown series")
	ErrUnknownEpisode = errors.New("catalog: unknown episode")
)

type Episode struct {
	ID       int    `yaml:"id" json:"id"`
	Title    string `yaml:"title" json:"title"`
	Subtitle string `yaml:"subtitle" json:"subtitle"`
	URL      string `yaml:"url" json:"url"`
	ChatGoal string `yaml:"chatGoal" json:"chatGoal"`
}

type Series struct {
	ID         string `yaml:"id" json:"id"`
	Title      string `yaml:"title" json:"title"`
	Tagline    string `yaml:"tagline" json:"tagline"`
	Influencer string `yaml:"influencer" json:"influencer"`
	// Character selects the coaching persona. Defaults to the lowercased
	// influencer name.
	Character string    `yaml:"character" json:"character"`
	Episodes  []Episode `yaml:"episodes" json:"episodes"`
}

func (s Series) Episode(id int) (Episode, error) {
	for _, ep := range s.Episodes {
		if ep.ID == id {
			return ep, nil
		}
	}
	return Episode{}, fmt.Errorf("%w: %s episode %d", ErrUnknownEpisode, s.ID, id)
}

// Greeting is the assistant turn that opens the coaching chat after an
// episode.
func Greeting(ep Episode) string {
	return fmt.Sprintf("Masterclass Chapter complete. Now, let's execute. Ready for \"%s\"?", ep.ChatGoal)
}

type file struct {
	Series []Series `yaml:"series"`
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) ([]Series, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	for i := range f.Series {
		s := &f.Series[i]
		if s.Character == "" {
			s.Character = strings.ToLower(s.Influencer)
		}
	}
	if err := validate(f.Series); err != nil {
		return nil, err
	}
	return f.Series, nil
}

func validate(series []Series) error {
	if len(series) == 0 {
		return errors.New("catalog: no series defined")
	}
	seen := map[string]bool{}
	for _, s := range series {
		if s.ID == "" {
			return errors.New("catalog: series without id")
		}
		if seen[s.ID] {
			return fmt.Errorf("catalog: duplicate series %q", s.ID)
		}
		seen[s.ID] = true
		if len(s.Episodes) == 0 {
			return fmt.Errorf("catalog: series %q has no episodes", s.ID)
		}
		for i, ep := range s.Episodes {
			if ep.ID != i+1 {
				return fmt.Errorf("catalog: series %q episode %d must have id %d", s.ID, ep.ID, i+1)
			}
			if strings.TrimSpace(ep.ChatGoal) == "" {
				return fmt.Errorf("catalog: series %q episode %d has no chat goal", s.ID, ep.ID)
			}
		}
	}
	return nil
}

// Catalog is the set of series on offer. It is safe for concurrent use and
// can be swapped in place by Watch.
type Catalog struct {
	mu     sync.RWMutex
	series []Series
}

// Default returns the catalog built into the binary.
func Default() *Catalog {
	series, err := Parse(defaultSeries)
	if err != nil {
		panic(err)
	}
	return &Catalog{series: series}
}

// Load reads path, or returns the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	series, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Catalog{series: series}, nil
}

func readFile(path string) ([]Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

func (c *Catalog) List() []Series {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Series, len(c.series))
	copy(out, c.series)
	return out
}

func (c *Catalog) Series(id string) (Series, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.series {
		if s.ID == id {
			return s, nil
		}
	}
	return Series{}, fmt.Errorf("%w: %q", ErrUnknownSeries, id)
}

func (c *Catalog) replace(series []Series) {
	c.mu.Lock()
	c.series = series
	c.mu.Unlock()
}
