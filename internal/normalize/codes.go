package normalize

import (
	"fmt"
	"strings"
)

// ModalityTable recodes legacy modality codes. A legacy code becomes the
// mammography code when the study description matches a mammography
// pattern, and the generic code otherwise.
type ModalityTable struct {
	Legacy              []string `yaml:"legacy"`
	Generic             string   `yaml:"generic"`
	Mammography         string   `yaml:"mammography"`
	MammographyPatterns []string `yaml:"mammography_patterns"`
}

// Recode returns the canonical modality for a row.
func (t ModalityTable) Recode(modality, study string) string {
	m := Key(modality)
	if !t.isLegacy(m) {
		return m
	}
	s := Key(study)
	for _, p := range t.MammographyPatterns {
		if p = Key(p); p != "" && strings.Contains(s, p) {
			return Key(t.Mammography)
		}
	}
	return Key(t.Generic)
}

func (t ModalityTable) isLegacy(m string) bool {
	for _, l := range t.Legacy {
		if Key(l) == m {
			return true
		}
	}
	return false
}

// Validate rejects tables whose targets are themselves legacy codes.
func (t ModalityTable) Validate() error {
	if Key(t.Generic) == "" || Key(t.Mammography) == "" {
		return fmt.Errorf("modality table needs generic and mammography codes")
	}
	if t.isLegacy(Key(t.Generic)) || t.isLegacy(Key(t.Mammography)) {
		return fmt.Errorf("modality targets must not be legacy codes")
	}
	return nil
}

// Apply rewrites the modality field in place.
func (t ModalityTable) Apply(f map[string]string, modalityField, studyField string) []Change {
	return set(f, modalityField, t.Recode(f[modalityField], f[studyField]), nil)
}
