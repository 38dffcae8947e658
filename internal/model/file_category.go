package model

// FileCategory identifies the kind of volumetria extract a batch came from.
// Rule applicability is keyed on it.
type FileCategory string

const (
	CategoryStandard               FileCategory = "standard"
	CategoryNonStandard            FileCategory = "non-standard"
	CategoryStandardRetroactive    FileCategory = "standard-retroactive"
	CategoryNonStandardRetroactive FileCategory = "non-standard-retroactive"
	CategoryOncoStandard           FileCategory = "onco-standard"
)

// AllFileCategories lists the supported extract categories in canonical order.
var AllFileCategories = []FileCategory{
	CategoryStandard,
	CategoryNonStandard,
	CategoryStandardRetroactive,
	CategoryNonStandardRetroactive,
	CategoryOncoStandard,
}

// ParseFileCategory returns the FileCategory for the given name, or ok=false.
func ParseFileCategory(name string) (FileCategory, bool) {
	for _, c := range AllFileCategories {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// Retroactive reports whether the category carries late-arriving exams for a
// period that was already billed.
func (c FileCategory) Retroactive() bool {
	return c == CategoryStandardRetroactive || c == CategoryNonStandardRetroactive
}
