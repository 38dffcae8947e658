package classify

import (
	"testing"

	"github.com/gyeh/volumetria/internal/model"
)

func testTable() Table {
	return Table{
		SpecialRuleClients:             []string{"CEMVALENCA"},
		SpecialRuleSpecialties:         []string{"NEURO"},
		SpecialRulePhysicianExceptions: []string{"Dr. Excecao"},
		NonConsolidatedOriginal:        []string{"HOSPITAL SAO LUCAS", "CLINICA ALFA"},
		NonConsolidatedAdditional:      []string{"INTERCOR", "CLINICA BETA"},
		BillableSpecialties:            []string{"MEDICINA INTERNA", "ONCOLOGIA"},
		BillableStudies:                []string{"RX TORAX PA"},
		BillablePhysicians:             []string{"Dra. Ana Souza"},
		Designated:                     []DesignatedPair{{Client: "CLINICA BETA", Specialty: "MUSCULO ESQUELETICO"}},
	}
}

func TestClassify_DecisionTable(t *testing.T) {
	c := New(testTable())

	tests := []struct {
		name   string
		in     Input
		want   model.BillingType
		client model.ClientType
		branch string
	}{
		{
			name:   "special_urgent_regardless_of_specialty",
			in:     Input{Client: "CEMVALENCA", Specialty: "CARDIO", Urgent: true},
			want:   model.BillingConsolidated,
			client: model.ClientConsolidated,
			branch: "special_rule/urgent",
		},
		{
			name:   "special_specialty_physician_allowed",
			in:     Input{Client: "cemvalenca", Specialty: "Neuro", Physician: "Dr. Qualquer"},
			want:   model.BillingConsolidated,
			branch: "special_rule/specialty",
		},
		{
			name:   "special_specialty_physician_exception",
			in:     Input{Client: "CEMVALENCA", Specialty: "NEURO", Physician: "DR. EXCECAO"},
			want:   model.BillingNonConsolidatedNoBill,
			branch: "special_rule/default",
		},
		{
			name:   "not_in_any_nc_set_is_consolidated",
			in:     Input{Client: "HOSPITAL QUALQUER", Specialty: "MAMA"},
			want:   model.BillingConsolidated,
			branch: "consolidated/default",
		},
		{
			name:   "nc_original_billable_specialty_routine",
			in:     Input{Client: "HOSPITAL SÃO LUCAS", Specialty: "MEDICINA INTERNA"},
			want:   model.BillingNonConsolidatedBilled,
			client: model.ClientNonConsolidated,
			branch: "nc_original/billable_specialty",
		},
		{
			name:   "nc_original_non_billable_routine",
			in:     Input{Client: "HOSPITAL SAO LUCAS", Specialty: "NEURO"},
			want:   model.BillingNonConsolidatedNoBill,
			client: model.ClientNonConsolidated,
			branch: "nc_original/default",
		},
		{
			name:   "nc_original_urgent",
			in:     Input{Client: "CLINICA ALFA", Specialty: "NEURO", Urgent: true},
			want:   model.BillingNonConsolidatedBilled,
			branch: "nc_original/urgent",
		},
		{
			name:   "nc_original_billable_study",
			in:     Input{Client: "CLINICA ALFA", Specialty: "NEURO", Study: "rx torax pa"},
			want:   model.BillingNonConsolidatedBilled,
			branch: "nc_original/billable_study",
		},
		{
			name:   "nc_additional_billable_physician",
			in:     Input{Client: "INTERCOR", Specialty: "NEURO", Physician: "DRA. ANA SOUZA"},
			want:   model.BillingNonConsolidatedBilled,
			branch: "nc_additional/billable_physician",
		},
		{
			name:   "nc_additional_study_not_considered",
			in:     Input{Client: "INTERCOR", Specialty: "NEURO", Study: "RX TORAX PA"},
			want:   model.BillingNonConsolidatedNoBill,
			branch: "nc_additional/default",
		},
		{
			name:   "nc_additional_designated_pair",
			in:     Input{Client: "CLINICA BETA", Specialty: "MUSCULO ESQUELETICO"},
			want:   model.BillingNonConsolidatedBilled,
			branch: "nc_additional/designated",
		},
		{
			name:   "designated_specialty_other_client",
			in:     Input{Client: "INTERCOR", Specialty: "MUSCULO ESQUELETICO"},
			want:   model.BillingNonConsolidatedNoBill,
			branch: "nc_additional/default",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.in)
			if got.BillingType != tt.want {
				t.Errorf("BillingType = %s, want %s", got.BillingType, tt.want)
			}
			if tt.client != "" && got.ClientType != tt.client {
				t.Errorf("ClientType = %s, want %s", got.ClientType, tt.client)
			}
			if got.Branch != tt.branch {
				t.Errorf("Branch = %s, want %s", got.Branch, tt.branch)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := New(testTable())
	in := Input{Client: "CLINICA BETA", Specialty: "ONCOLOGIA", Urgent: true, Physician: "Dra. Ana Souza"}
	first := c.Classify(in)
	for i := 0; i < 100; i++ {
		if got := c.Classify(in); got != first {
			t.Fatalf("iteration %d: got %+v, want %+v", i, got, first)
		}
	}
	if first.Branch != "nc_additional/billable_specialty" {
		t.Errorf("first matching arm should win, got %s", first.Branch)
	}
}

func TestBranchNames_Order(t *testing.T) {
	want := []string{"special_rule", "consolidated", "nc_original", "nc_additional", "fallback"}
	got := New(Table{}).BranchNames()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("branch %d = %s, want %s", i, got[i], want[i])
		}
	}
}
