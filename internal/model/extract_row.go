package model

import (
	"strconv"
)

// ExtractRow mirrors the Parquet schema of a volumetria extract. Dates and
// times stay as strings; the rules parse them when they need them.
type ExtractRow struct {
	Client       string   `parquet:"empresa"`
	PatientName  *string  `parquet:"nome_paciente,optional"`
	PatientID    *string  `parquet:"codigo_paciente,optional"`
	Study        string   `parquet:"estudo_descricao"`
	Accession    *string  `parquet:"accession_number,optional"`
	Modality     *string  `parquet:"modalidade,optional"`
	Priority     *string  `parquet:"prioridade,optional"`
	Physician    *string  `parquet:"medico,optional"`
	Specialty    *string  `parquet:"especialidade,optional"`
	Category     *string  `parquet:"categoria,optional"`
	RealizedDate *string  `parquet:"data_realizacao,optional"`
	RealizedTime *string  `parquet:"hora_realizacao,optional"`
	ReportDate   *string  `parquet:"data_laudo,optional"`
	ReportTime   *string  `parquet:"hora_laudo,optional"`
	Value        *float64 `parquet:"valores,optional"`
}

// Fields flattens the row into canonical column → raw value. Nil columns are
// omitted.
func (r *ExtractRow) Fields() Fields {
	f := Fields{
		FieldClient: r.Client,
		FieldStudy:  r.Study,
	}
	set := func(key string, v *string) {
		if v != nil {
			f[key] = *v
		}
	}
	set(FieldPatientName, r.PatientName)
	set(FieldPatientID, r.PatientID)
	set(FieldAccession, r.Accession)
	set(FieldModality, r.Modality)
	set(FieldPriority, r.Priority)
	set(FieldPhysician, r.Physician)
	set(FieldSpecialty, r.Specialty)
	set(FieldCategory, r.Category)
	set(FieldRealizedDate, r.RealizedDate)
	set(FieldRealizedTime, r.RealizedTime)
	set(FieldReportDate, r.ReportDate)
	set(FieldReportTime, r.ReportTime)
	if r.Value != nil {
		f[FieldValue] = strconv.FormatFloat(*r.Value, 'f', -1, 64)
	}
	return f
}

// ExtractColumns lists the parquet column names, in ExtractRow order.
func ExtractColumns() []string {
	return []string{
		"empresa", "nome_paciente", "codigo_paciente", "estudo_descricao",
		"accession_number", "modalidade", "prioridade", "medico",
		"especialidade", "categoria", "data_realizacao", "hora_realizacao",
		"data_laudo", "hora_laudo", "valores",
	}
}
