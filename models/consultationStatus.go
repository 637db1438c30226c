package models

import (
	"strings"
)

// ConsultationStatus is the canonical status of a consultation.
type ConsultationStatus string

const (
	StatusAgendada                                   ConsultationStatus = "Agendada"
	StatusEmAndamento                                ConsultationStatus = "EmAndamento"
	StatusRealizada                                  ConsultationStatus = "Realizada"
	StatusPacienteNaoCompareceu                      ConsultationStatus = "PacienteNaoCompareceu"
	StatusPsicologoNaoCompareceu                     ConsultationStatus = "PsicologoNaoCompareceu"
	StatusCancelamentoSistemicoPsicologo             ConsultationStatus = "CancelamentoSistemicoPsicologo"
	StatusCancelamentoSistemicoPaciente              ConsultationStatus = "CancelamentoSistemicoPaciente"
	StatusForaDaPlataforma                           ConsultationStatus = "ForaDaPlataforma"
	StatusCanceladaPacienteNoPrazo                   ConsultationStatus = "CanceladaPacienteNoPrazo"
	StatusCanceladaPsicologoNoPrazo                  ConsultationStatus = "CanceladaPsicologoNoPrazo"
	StatusReagendadaPacienteNoPrazo                  ConsultationStatus = "ReagendadaPacienteNoPrazo"
	StatusReagendadaPsicologoNoPrazo                 ConsultationStatus = "ReagendadaPsicologoNoPrazo"
	StatusCanceladaPacienteForaDoPrazo               ConsultationStatus = "CanceladaPacienteForaDoPrazo"
	StatusCanceladaPsicologoForaDoPrazo              ConsultationStatus = "CanceladaPsicologoForaDoPrazo"
	StatusCanceladaForcaMaior                        ConsultationStatus = "CanceladaForcaMaior"
	StatusCanceladaNaoCumprimentoContratualPaciente  ConsultationStatus = "CanceladaNaoCumprimentoContratualPaciente"
	StatusReagendadaPsicologoForaDoPrazo             ConsultationStatus = "ReagendadaPsicologoForaDoPrazo"
	StatusCanceladaNaoCumprimentoContratualPsicologo ConsultationStatus = "CanceladaNaoCumprimentoContratualPsicologo"
	StatusPsicologoDescredenciado                    ConsultationStatus = "PsicologoDescredenciado"
	StatusCanceladoAdministrador                     ConsultationStatus = "CanceladoAdministrador"
)

// StatusOrigin is the actor class that triggers a status.
type StatusOrigin string

const (
	OriginSistemico   StatusOrigin = "Sistemico"
	OriginPaciente    StatusOrigin = "Paciente"
	OriginPsicologo   StatusOrigin = "Psicologo"
	OriginAdminGestao StatusOrigin = "AdminGestao"
)

// Valid reports whether o is a known origin.
func (o StatusOrigin) Valid() bool {
	switch o {
	case OriginSistemico, OriginPaciente, OriginPsicologo, OriginAdminGestao:
		return true
	}
	return false
}

const (
	ScreenScheduling = "Home - Módulo Agendamento de Consultas"
	ScreenSession    = "Módulo Realização de Sessão"
	ScreenSystem     = "Sistêmico"
)

// BalancePolicy describes what a status does to the patient's session credits.
type BalancePolicy string

const (
	BalanceNoChange                  BalancePolicy = "NoChange"
	BalanceNeverRefund               BalancePolicy = "NeverRefund"
	BalanceAlwaysRefund              BalancePolicy = "AlwaysRefund"
	BalanceRefundIfAppealGranted     BalancePolicy = "RefundIfAppealGranted"
	BalanceRefundUnlessAppealGranted BalancePolicy = "RefundUnlessAppealGranted"
)

// BalanceEffect is a policy resolved against an appeal outcome.
type BalanceEffect string

const (
	EffectNoChange BalanceEffect = "NoChange"
	EffectNoRefund BalanceEffect = "NoRefund"
	EffectRefund   BalanceEffect = "Refund"
)

// BillingKind is the shape of a status' billing rule.
type BillingKind int

const (
	NotBillable BillingKind = iota
	Billable
	DependsOnAppeal
)

// BillingRule is either a fixed flag or a function of the appeal outcome.
// The conditional case is only resolvable when the caller knows the outcome.
type BillingRule struct {
	Kind     BillingKind
	OnAppeal func(granted bool) bool
}

// Resolve returns the billing flag. A conditional rule with no outcome is not billable.
func (r BillingRule) Resolve(appealGranted *bool) bool {
	switch r.Kind {
	case Billable:
		return true
	case DependsOnAppeal:
		if appealGranted == nil || r.OnAppeal == nil {
			return false
		}
		return r.OnAppeal(*appealGranted)
	default:
		return false
	}
}

// StatusDefinition is one row of the catalog.
type StatusDefinition struct {
	Status        ConsultationStatus
	Label         string
	Origin        StatusOrigin
	TriggerScreen string
	Balance       BalancePolicy
	Billing       BillingRule
}

var (
	billable    = BillingRule{Kind: Billable}
	notBillable = BillingRule{Kind: NotBillable}
)

var catalogRows = []StatusDefinition{
	{StatusAgendada, "Agendada", OriginSistemico, ScreenScheduling, BalanceNoChange, billable},
	{StatusEmAndamento, "Em Andamento", OriginSistemico, ScreenScheduling, BalanceNoChange, billable},
	{StatusRealizada, "Realizada", OriginSistemico, ScreenScheduling, BalanceNoChange, billable},
	{StatusPacienteNaoCompareceu, "Paciente Não Compareceu", OriginSistemico, ScreenSession, BalanceNeverRefund, billable},
	{StatusPsicologoNaoCompareceu, "Psicólogo Não Compareceu", OriginSistemico, ScreenSession, BalanceAlwaysRefund, notBillable},
	{StatusCancelamentoSistemicoPsicologo, "Cancelamento Sistêmico Psicólogo", OriginSistemico, ScreenSession, BalanceAlwaysRefund, notBillable},
	{StatusCancelamentoSistemicoPaciente, "Cancelamento Sistêmico Paciente", OriginSistemico, ScreenSession, BalanceNeverRefund, billable},
	{StatusForaDaPlataforma, "Fora da plataforma", OriginAdminGestao, ScreenSystem, BalanceNeverRefund, billable},
	{StatusCanceladaPacienteNoPrazo, "Cancelada Paciente no Prazo", OriginPaciente, ScreenScheduling, BalanceAlwaysRefund, notBillable},
	{StatusCanceladaPsicologoNoPrazo, "Cancelada Psicólogo no Prazo", OriginPsicologo, ScreenScheduling, BalanceAlwaysRefund, notBillable},
	{StatusReagendadaPacienteNoPrazo, "Reagendada Paciente no Prazo", OriginPaciente, ScreenScheduling, BalanceAlwaysRefund, notBillable},
	{StatusReagendadaPsicologoNoPrazo, "Reagendada Psicólogo no Prazo", OriginPsicologo, ScreenScheduling, BalanceAlwaysRefund, notBillable},
	{StatusCanceladaPacienteForaDoPrazo, "Cancelada Paciente Fora do Prazo", OriginPaciente, ScreenScheduling, BalanceNeverRefund, billable},
	// Billed as a penalty unless the professional's appeal is granted.
	{StatusCanceladaPsicologoForaDoPrazo, "Cancelada Psicólogo Fora do Prazo", OriginPsicologo, ScreenScheduling, BalanceAlwaysRefund,
		BillingRule{Kind: DependsOnAppeal, OnAppeal: func(granted bool) bool { return !granted }}},
	{StatusCanceladaForcaMaior, "Cancelada Força Maior", OriginSistemico, ScreenScheduling, BalanceAlwaysRefund, notBillable},
	{StatusCanceladaNaoCumprimentoContratualPaciente, "Cancelada Não Cumprimento Contratual Paciente", OriginPsicologo, ScreenSession, BalanceRefundUnlessAppealGranted, billable},
	{StatusReagendadaPsicologoForaDoPrazo, "Reagendada Psicólogo Fora do Prazo", OriginPsicologo, ScreenSession, BalanceAlwaysRefund, notBillable},
	// Never billed, whatever the appeal outcome.
	{StatusCanceladaNaoCumprimentoContratualPsicologo, "Cancelada Não Cumprimento Contratual Psicólogo", OriginPaciente, ScreenSession, BalanceRefundIfAppealGranted,
		BillingRule{Kind: DependsOnAppeal, OnAppeal: func(bool) bool { return false }}},
	{StatusPsicologoDescredenciado, "Psicólogo Descredenciado", OriginAdminGestao, ScreenSystem, BalanceAlwaysRefund, notBillable},
	{StatusCanceladoAdministrador, "Cancelado Administrador", OriginAdminGestao, ScreenScheduling, BalanceAlwaysRefund, notBillable},
}

var statusCatalog = func() map[ConsultationStatus]StatusDefinition {
	m := make(map[ConsultationStatus]StatusDefinition, len(catalogRows))
	for _, row := range catalogRows {
		m[row.Status] = row
	}
	return m
}()

// legacyStatuses maps display labels and older stored values to canonical statuses.
var legacyStatuses = map[string]ConsultationStatus{
	"reservado":                        StatusAgendada,
	"agendado":                         StatusAgendada,
	"andamento":                        StatusEmAndamento,
	"em andamento":                     StatusEmAndamento,
	"concluido":                        StatusRealizada,
	"concluído":                        StatusRealizada,
	"cancelado":                        StatusCanceladaPacienteNoPrazo,
	"cancelled_by_patient":             StatusCanceladaPacienteNoPrazo,
	"cancelled_by_psychologist":        StatusCanceladaPsicologoNoPrazo,
	"cancelled_no_show":                StatusPacienteNaoCompareceu,
	"reagendada":                       StatusReagendadaPacienteNoPrazo,
	"ausente":                          StatusPacienteNaoCompareceu,
	"cancelamento_sistemico_psicologo": StatusCancelamentoSistemicoPsicologo,
	"cancelamento_sistemico_paciente":  StatusCancelamentoSistemicoPaciente,
}

func init() {
	for status, def := range statusCatalog {
		legacyStatuses[strings.ToLower(string(status))] = status
		legacyStatuses[strings.ToLower(def.Label)] = status
	}
}

// AllStatuses returns every catalogued status in a stable order.
func AllStatuses() []ConsultationStatus {
	out := make([]ConsultationStatus, 0, len(catalogRows))
	for _, row := range catalogRows {
		out = append(out, row.Status)
	}
	return out
}

// Definition returns the catalog row for a status.
func Definition(status ConsultationStatus) (StatusDefinition, bool) {
	def, ok := statusCatalog[status]
	return def, ok
}

func (s ConsultationStatus) Valid() bool {
	_, ok := statusCatalog[s]
	return ok
}

// Label is the human readable name, or the raw value for unknown statuses.
func (s ConsultationStatus) Label() string {
	if def, ok := statusCatalog[s]; ok {
		return def.Label
	}
	return string(s)
}

// NormalizeStatus resolves canonical, display, and legacy names.
func NormalizeStatus(raw string) (ConsultationStatus, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	status, ok := legacyStatuses[key]
	return status, ok
}

func ResolveDefaultOrigin(status ConsultationStatus) StatusOrigin {
	if def, ok := statusCatalog[status]; ok {
		return def.Origin
	}
	return OriginSistemico
}

func ResolveTriggerScreen(status ConsultationStatus) string {
	if def, ok := statusCatalog[status]; ok {
		return def.TriggerScreen
	}
	return ScreenSystem
}

// ResolveBalancePolicy returns the unresolved policy of a status.
func ResolveBalancePolicy(status ConsultationStatus) BalancePolicy {
	if def, ok := statusCatalog[status]; ok {
		return def.Balance
	}
	return BalanceNoChange
}

// ResolveBalanceEffect applies the appeal outcome to the status policy.
// Conditional policies resolve to EffectNoChange when the outcome is unknown.
func ResolveBalanceEffect(status ConsultationStatus, appealGranted *bool) BalanceEffect {
	switch ResolveBalancePolicy(status) {
	case BalanceNeverRefund:
		return EffectNoRefund
	case BalanceAlwaysRefund:
		return EffectRefund
	case BalanceRefundIfAppealGranted:
		if appealGranted == nil {
			return EffectNoChange
		}
		if *appealGranted {
			return EffectRefund
		}
		return EffectNoRefund
	case BalanceRefundUnlessAppealGranted:
		if appealGranted == nil {
			return EffectNoChange
		}
		if *appealGranted {
			return EffectNoRefund
		}
		return EffectRefund
	default:
		return EffectNoChange
	}
}

// ResolveBillingDefault returns the billing flag of status given the appeal outcome.
func ResolveBillingDefault(status ConsultationStatus, appealGranted *bool) bool {
	def, ok := statusCatalog[status]
	if !ok {
		return false
	}
	return def.Billing.Resolve(appealGranted)
}

// IsBillable reports whether a status owes the professional a payout.
func IsBillable(status ConsultationStatus, appealGranted *bool) bool {
	return ResolveBillingDefault(status, appealGranted)
}

// IsTerminal reports whether the consultation lifecycle is over.
func (s ConsultationStatus) IsTerminal() bool {
	return s.Valid() && s != StatusAgendada && s != StatusEmAndamento
}

// IsActive reports whether a session may still happen.
func (s ConsultationStatus) IsActive() bool {
	return s == StatusAgendada || s == StatusEmAndamento
}

func (s ConsultationStatus) IsNoShow() bool {
	return s == StatusPacienteNaoCompareceu || s == StatusPsicologoNaoCompareceu
}

// IsCompletedLike reports statuses after which the session counts as held.
func (s ConsultationStatus) IsCompletedLike() bool {
	return s == StatusRealizada || s == StatusForaDaPlataforma
}

// ReleasesSlot reports cancellation, reschedule and no-show statuses.
func (s ConsultationStatus) ReleasesSlot() bool {
	return s.IsTerminal() && !s.IsCompletedLike()
}

// IsRefundedStatus reports statuses whose credit has always been returned already.
func (s ConsultationStatus) IsRefundedStatus() bool {
	return ResolveBalancePolicy(s) == BalanceAlwaysRefund
}

// IsLocked reports statuses that only an administrative status may follow.
func (s ConsultationStatus) IsLocked() bool {
	return s == StatusRealizada || s.IsNoShow()
}

// CanTransition reports whether to may follow from. A terminal status never returns to an
// active one, and completed or no-show consultations only accept administrative statuses.
func CanTransition(from, to ConsultationStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() && to.IsActive() {
		return false
	}
	if from.IsLocked() {
		return ResolveDefaultOrigin(to) == OriginAdminGestao
	}
	return true
}
