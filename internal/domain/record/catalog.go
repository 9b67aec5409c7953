package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Kind identifies a catalog list
type Kind string

const (
	KindAntibiotic Kind = "antibiotics"
	KindInjectable Kind = "injectables"
)

// ErrUnknownOption is returned when a selection references no catalog entry
var ErrUnknownOption = errors.New("unknown catalog option")

// Catalog holds the medication options offered by the selectors
type Catalog struct {
	mu    sync.RWMutex
	lists map[Kind][]MedicationOption
	index map[Kind]map[string]int
}

// NewCatalog builds a catalog from option lists keyed by kind
func NewCatalog(lists map[Kind][]MedicationOption) (*Catalog, error) {
	c := &Catalog{
		lists: make(map[Kind][]MedicationOption, len(lists)),
		index: make(map[Kind]map[string]int, len(lists)),
	}
	for kind, opts := range lists {
		if err := c.set(kind, opts); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) set(kind Kind, opts []MedicationOption) error {
	idx := make(map[string]int, len(opts))
	for i, o := range opts {
		if o.ID == "" {
			return fmt.Errorf("catalog %s: option %d has no id", kind, i)
		}
		if _, dup := idx[o.ID]; dup {
			return fmt.Errorf("catalog %s: duplicate option id %q", kind, o.ID)
		}
		idx[o.ID] = i
	}
	c.lists[kind] = append([]MedicationOption(nil), opts...)
	c.index[kind] = idx
	return nil
}

// LoadCatalog decodes {"antibiotics":[...],"injectables":[...]} from r
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var lists map[Kind][]MedicationOption
	if err := json.NewDecoder(r).Decode(&lists); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewCatalog(lists)
}

// Kinds lists the catalog kinds in name order
func (c *Catalog) Kinds() []Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]Kind, 0, len(c.lists))
	for k := range c.lists {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// List returns the options of a kind in display order
func (c *Catalog) List(kind Kind) ([]MedicationOption, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts, ok := c.lists[kind]
	if !ok {
		return nil, false
	}
	return append([]MedicationOption(nil), opts...), true
}

// Lookup finds an option by id
func (c *Catalog) Lookup(kind Kind, id string) (MedicationOption, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[kind][id]
	if !ok {
		return MedicationOption{}, false
	}
	return c.lists[kind][i], true
}

// ResolveSelections resolves selections in order into prescription lines
func (c *Catalog) ResolveSelections(kind Kind, selections []Selection) ([]PrescriptionLine, error) {
	if len(selections) == 0 {
		return nil, nil
	}
	lines := make([]PrescriptionLine, 0, len(selections))
	for _, sel := range selections {
		opt, ok := c.Lookup(kind, sel.OptionID)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOption, kind, sel.OptionID)
		}
		line, err := opt.Resolve(sel)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// DefaultCatalog returns the built-in antibiotic and injectable lists
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(map[Kind][]MedicationOption{
		KindAntibiotic: defaultAntibiotics(),
		KindInjectable: defaultInjectables(),
	})
	if err != nil {
		panic(err)
	}
	return c
}

func defaultAntibiotics() []MedicationOption {
	return []MedicationOption{
		{
			ID: "ceftriaxona", Name: "CEFTRIAXONA",
			Dosage:      MustSelectable("1G", "2G"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("12/12H", "24/24H"),
			Observation: Fixed("DILUIR EM 100ML SF 0,9%"),
			Schedule:    MustSelectable("08-20H", "08H"),
		},
		{
			ID: "cefepime", Name: "CEFEPIME",
			Dosage:      MustSelectable("1G", "2G"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("8/8H", "12/12H"),
			Observation: Fixed("DILUIR EM 100ML SF 0,9%"),
			Schedule:    MustSelectable("06-14-22H", "08-20H"),
		},
		{
			ID: "piperacilina-tazobactam", Name: "PIPERACILINA + TAZOBACTAM",
			Dosage:      Fixed("4,5G"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("6/6H", "8/8H"),
			Observation: Fixed("INFUNDIR EM 30 MIN"),
			Schedule:    MustSelectable("06-12-18-24H", "06-14-22H"),
		},
		{
			ID: "meropenem", Name: "MEROPENEM",
			Dosage:      MustSelectable("1G", "2G", "500MG"),
			Route:       Fixed("EV"),
			Posology:    Fixed("8/8H"),
			Observation: Fixed("INFUNDIR EM 3H"),
			Schedule:    Fixed("06-14-22H"),
		},
		{
			ID: "vancomicina", Name: "VANCOMICINA",
			Dosage:      MustSelectable("1G", "500MG", "1,5G"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("12/12H", "8/8H"),
			Observation: Fixed("CORRIGIR PELA FUNÇÃO RENAL"),
			Schedule:    MustSelectable("08-20H", "06-14-22H"),
		},
		{
			ID: "ampicilina-sulbactam", Name: "AMPICILINA + SULBACTAM",
			Dosage:      MustSelectable("3G", "1,5G"),
			Route:       Fixed("EV"),
			Posology:    Fixed("6/6H"),
			Observation: Fixed(""),
			Schedule:    Fixed("06-12-18-24H"),
		},
		{
			ID: "clindamicina", Name: "CLINDAMICINA",
			Dosage:      MustSelectable("600MG", "900MG"),
			Route:       MustSelectable("EV", "VO"),
			Posology:    MustSelectable("8/8H", "6/6H"),
			Observation: Fixed(""),
			Schedule:    MustSelectable("06-14-22H", "06-12-18-24H"),
		},
		{
			ID: "metronidazol", Name: "METRONIDAZOL",
			Dosage:      Fixed("500MG"),
			Route:       MustSelectable("EV", "VO"),
			Posology:    Fixed("8/8H"),
			Observation: Fixed(""),
			Schedule:    Fixed("06-14-22H"),
		},
		{
			ID: "azitromicina", Name: "AZITROMICINA",
			Dosage:      Fixed("500MG"),
			Route:       MustSelectable("VO", "EV"),
			Posology:    Fixed("24/24H"),
			Observation: Fixed("POR 5 DIAS"),
			Schedule:    Fixed("08H"),
		},
		{
			ID: "ciprofloxacino", Name: "CIPROFLOXACINO",
			Dosage:      MustSelectable("400MG", "500MG"),
			Route:       MustSelectable("EV", "VO"),
			Posology:    Fixed("12/12H"),
			Observation: Fixed(""),
			Schedule:    Fixed("08-20H"),
		},
	}
}

func defaultInjectables() []MedicationOption {
	return []MedicationOption{
		{
			ID: "dipirona", Name: "DIPIRONA",
			Dosage:      MustSelectable("1G", "2G"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("6/6H", "SE DOR OU FEBRE"),
			Observation: Fixed("DILUIR EM 10ML AD"),
			Schedule:    MustSelectable("06-12-18-24H", "ACM"),
		},
		{
			ID: "ondansetrona", Name: "ONDANSETRONA",
			Dosage:      MustSelectable("4MG", "8MG"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("8/8H", "SE NÁUSEA OU VÔMITO"),
			Observation: Fixed(""),
			Schedule:    MustSelectable("06-14-22H", "ACM"),
		},
		{
			ID: "omeprazol", Name: "OMEPRAZOL",
			Dosage:      MustSelectable("40MG", "20MG"),
			Route:       Fixed("EV"),
			Posology:    Fixed("24/24H"),
			Observation: Fixed("EM JEJUM"),
			Schedule:    Fixed("06H"),
		},
		{
			ID: "enoxaparina", Name: "ENOXAPARINA",
			Dosage:      MustSelectable("40MG", "60MG", "80MG"),
			Route:       Fixed("SC"),
			Posology:    MustSelectable("24/24H", "12/12H"),
			Observation: Fixed(""),
			Schedule:    MustSelectable("18H", "08-20H"),
		},
		{
			ID: "tramadol", Name: "TRAMADOL",
			Dosage:      Fixed("100MG"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("8/8H", "SE DOR FORTE"),
			Observation: Fixed("DILUIR EM 100ML SF 0,9%"),
			Schedule:    MustSelectable("06-14-22H", "ACM"),
		},
		{
			ID: "bromoprida", Name: "BROMOPRIDA",
			Dosage:      Fixed("10MG"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("8/8H", "SE NÁUSEA"),
			Observation: Fixed(""),
			Schedule:    MustSelectable("06-14-22H", "ACM"),
		},
		{
			ID: "dexametasona", Name: "DEXAMETASONA",
			Dosage:      MustSelectable("4MG", "10MG"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("24/24H", "12/12H", "6/6H"),
			Observation: Fixed(""),
			Schedule:    MustSelectable("08H", "08-20H", "06-12-18-24H"),
		},
		{
			ID: "furosemida", Name: "FUROSEMIDA",
			Dosage:      MustSelectable("20MG", "40MG"),
			Route:       Fixed("EV"),
			Posology:    MustSelectable("12/12H", "24/24H"),
			Observation: Fixed("CONTROLAR DIURESE"),
			Schedule:    MustSelectable("08-16H", "08H"),
		},
	}
}
