// Package plants loads the read-only plant reference library.
package plants

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"gryns/tower-server/internal/model"
)

//go:embed library.json
var defaultLibrary []byte

// masterEntry mirrors one entry of a plant library master file.
type masterEntry struct {
	Name          string               `json:"name" yaml:"name"`
	Species       *string              `json:"species" yaml:"species"`
	Description   *string              `json:"description" yaml:"description"`
	Img           *string              `json:"img" yaml:"img"`
	IconImg       *string              `json:"icon_img" yaml:"icon_img"`
	Harvest       *model.Harvest       `json:"harvest" yaml:"harvest"`
	Yield         *model.Yield         `json:"yield" yaml:"yield"`
	Germination   *model.Germination   `json:"germination" yaml:"germination"`
	GrowthStages  []*model.StageEntry  `json:"growth_stages" yaml:"growth_stages"`
	HardinessZone *model.HardinessZone `json:"hardinessZone" yaml:"hardinessZone"`
}

type masterFile struct {
	Plants []masterEntry `json:"plants" yaml:"plants"`
}

// Index is an immutable, load-once plant lookup keyed by slug.
type Index struct {
	plants []model.PlantRecord
	byID   map[string]int
}

// Default returns the index built from the embedded library.
func Default() (*Index, error) {
	return Parse(defaultLibrary, "json")
}

// Load reads a master file from disk. The format follows the file extension:
// .yml and .yaml are YAML, everything else is JSON.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plant library: %w", err)
	}

	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		format = "yaml"
	}
	return Parse(data, format)
}

// Parse decodes a master file in the given format ("json" or "yaml").
func Parse(data []byte, format string) (*Index, error) {
	var file masterFile
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode plant library yaml: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode plant library json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported plant library format %q", format)
	}

	records := make([]model.PlantRecord, 0, len(file.Plants))
	for _, entry := range file.Plants {
		records = append(records, entry.record())
	}
	return New(records), nil
}

// New builds an index from already-shaped records. Records are sorted by
// name ignoring case; when two records share an id the first one wins.
func New(records []model.PlantRecord) *Index {
	sorted := make([]model.PlantRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Name) < strings.ToLower(sorted[j].Name)
	})

	idx := &Index{byID: make(map[string]int, len(sorted))}
	for _, rec := range sorted {
		if _, dup := idx.byID[rec.ID]; dup {
			continue
		}
		idx.byID[rec.ID] = len(idx.plants)
		idx.plants = append(idx.plants, rec)
	}
	return idx
}

func (e masterEntry) record() model.PlantRecord {
	stages := make([]model.StageEntry, 0, len(e.GrowthStages))
	for _, s := range e.GrowthStages {
		if s == nil {
			continue
		}
		stages = append(stages, *s)
	}

	germination := e.Germination
	for _, s := range stages {
		if s.Stage == model.PlantGermination && s.Duration != nil {
			germination = &model.Germination{Duration: s.Duration, Rate: s.Rate}
			break
		}
	}

	return model.PlantRecord{
		ID:            Slug(e.Name),
		Name:          CapitalizeWords(e.Name),
		Species:       deref(e.Species),
		Description:   deref(e.Description),
		Image:         deref(e.Img),
		IconImage:     deref(e.IconImg),
		Harvest:       e.Harvest,
		Yield:         e.Yield,
		Germination:   germination,
		GrowthStages:  stages,
		HardinessZone: e.HardinessZone,
	}
}

// Lookup returns the plant with the given id.
func (i *Index) Lookup(id string) (*model.PlantRecord, bool) {
	if i == nil {
		return nil, false
	}
	pos, ok := i.byID[id]
	if !ok {
		return nil, false
	}
	rec := i.plants[pos]
	return &rec, true
}

// All returns every plant in display order.
func (i *Index) All() []model.PlantRecord {
	if i == nil {
		return nil
	}
	out := make([]model.PlantRecord, len(i.plants))
	copy(out, i.plants)
	return out
}

// Len reports the number of plants in the index.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.plants)
}

// Search returns plants whose name, species or id contains q, ignoring case.
// An empty query returns everything.
func (i *Index) Search(q string) []model.PlantRecord {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return i.All()
	}
	var out []model.PlantRecord
	for _, p := range i.All() {
		if strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.Species), q) ||
			strings.Contains(p.ID, q) {
			out = append(out, p)
		}
	}
	return out
}

// Slug derives a plant id from its display name.
func Slug(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	if b.Len() == 0 {
		return "plant"
	}
	return b.String()
}

// CapitalizeWords upper-cases the first letter of each whitespace separated word.
func CapitalizeWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
