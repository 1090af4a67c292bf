package catalog

import (
	"fmt"
	"strings"
)

type Kind string

const (
	Spreadsheet     Kind = "spreadsheet"
	Presentation    Kind = "presentation"
	SimulationModel Kind = "simulation_model"
	Document        Kind = "document"
)

// AllKinds is every kind the catalog accepts, in display order.
var AllKinds = []Kind{Spreadsheet, Presentation, SimulationModel, Document}

var kindExts = map[Kind][]string{
	Spreadsheet:     {".xlsx", ".xlsm", ".xls", ".csv", ".ods"},
	Presentation:    {".pptx", ".ppt", ".odp"},
	SimulationModel: {".mod", ".wexp", ".witness"},
	Document:        {".docx", ".doc", ".pdf", ".txt", ".md", ".odt"},
}

func (k Kind) String() string { return string(k) }

// ParseKind accepts the kind names case-insensitively; dashes and spaces
// may stand in for the underscore.
func ParseKind(s string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	k := Kind(n)
	if _, ok := kindExts[k]; !ok {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}

// ParseKinds parses a comma separated list, ignoring empty items.
func ParseKinds(s string) ([]Kind, error) {
	var out []Kind
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// MatchesExt reports whether a file extension (with dot) is one we expect
// for this kind.
func (k Kind) MatchesExt(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range kindExts[k] {
		if e == ext {
			return true
		}
	}
	return false
}
