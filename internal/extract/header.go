package extract

import (
	"fmt"
	"strings"

	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/normalize"
)

// headerAliases maps spellings seen in operator-exported extracts onto the
// canonical column names. Keys are already canonicalized.
var headerAliases = map[string]string{
	"CLIENTE":             model.FieldClient,
	"UNIDADE":             model.FieldClient,
	"PACIENTE":            model.FieldPatientName,
	"NOME_DO_PACIENTE":    model.FieldPatientName,
	"COD_PACIENTE":        model.FieldPatientID,
	"CODIGO_DO_PACIENTE":  model.FieldPatientID,
	"ID_PACIENTE":         model.FieldPatientID,
	"ESTUDO":              model.FieldStudy,
	"DESCRICAO_ESTUDO":    model.FieldStudy,
	"DESCRICAO_DO_ESTUDO": model.FieldStudy,
	"ACCESSION":           model.FieldAccession,
	"ACCESSIONNUMBER":     model.FieldAccession,
	"MODALIDADE_EXAME":    model.FieldModality,
	"MEDICO_LAUDO":        model.FieldPhysician,
	"MEDICO_RESPONSAVEL":  model.FieldPhysician,
	"DATA_DE_REALIZACAO":  model.FieldRealizedDate,
	"DATA_EXAME":          model.FieldRealizedDate,
	"HORA_DE_REALIZACAO":  model.FieldRealizedTime,
	"DATA_DO_LAUDO":       model.FieldReportDate,
	"HORA_DO_LAUDO":       model.FieldReportTime,
	"VALOR":               model.FieldValue,
	"VALOR_EXAME":         model.FieldValue,
	"ESPECIALIDADE_EXAME": model.FieldSpecialty,
	"CATEGORIA_EXAME":     model.FieldCategory,
	"PRIORIDADE_EXAME":    model.FieldPriority,
}

// CanonicalColumn folds a raw header cell to its canonical column name:
// accents folded, uppercased, separators collapsed to "_", aliases applied.
func CanonicalColumn(h string) string {
	k := normalize.Key(strings.NewReplacer("-", " ", ".", " ", "/", " ").Replace(h))
	if k == "" {
		return ""
	}
	k = strings.ReplaceAll(k, " ", "_")
	if to, ok := headerAliases[k]; ok {
		return to
	}
	return k
}

// ValidateHeader checks that the canonical header carries every required
// column and at least one patient identifier.
func ValidateHeader(columns []string) error {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}
	var missing []string
	for _, col := range model.RequiredFields {
		if !have[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required column(s): %s", strings.Join(missing, ", "))
	}
	for _, col := range model.PatientFields {
		if have[col] {
			return nil
		}
	}
	return fmt.Errorf("no patient column found; need at least one of: %s",
		strings.Join(model.PatientFields, ", "))
}
