package model

// Canonical extract column names. Extract headers are folded to these keys
// before staging.
const (
	FieldClient       = "EMPRESA"
	FieldPatientName  = "NOME_PACIENTE"
	FieldPatientID    = "CODIGO_PACIENTE"
	FieldStudy        = "ESTUDO_DESCRICAO"
	FieldAccession    = "ACCESSION_NUMBER"
	FieldModality     = "MODALIDADE"
	FieldPriority     = "PRIORIDADE"
	FieldPhysician    = "MEDICO"
	FieldSpecialty    = "ESPECIALIDADE"
	FieldCategory     = "CATEGORIA"
	FieldRealizedDate = "DATA_REALIZACAO"
	FieldRealizedTime = "HORA_REALIZACAO"
	FieldReportDate   = "DATA_LAUDO"
	FieldReportTime   = "HORA_LAUDO"
	FieldValue        = "VALORES"
)

// RequiredFields must be present in every extract header.
var RequiredFields = []string{
	FieldClient,
	FieldStudy,
	FieldRealizedDate,
	FieldReportDate,
}

// PatientFields identify a patient; at least one must be present.
var PatientFields = []string{FieldPatientID, FieldPatientName}

// Fields is an open mapping of canonical column name to raw value.
type Fields map[string]string

// Clone returns an independent copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Get returns the value for key, or "" when absent.
func (f Fields) Get(key string) string {
	return f[key]
}
