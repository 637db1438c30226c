package services

import (
	"PsiConsulta/models"
	"PsiConsulta/queue"
	"PsiConsulta/utils"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoJoinCheck_BothAbsentCancelsAndReleasesSlot(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	ctx := context.Background()

	f.clock.Set(time.Date(2025, 1, 10, 13, 10, 1, 0, saoPaulo))
	require.NoError(t, f.consumer.Handle(ctx, f.job(queue.KindCancelNoShow, id, 0)))

	c := f.store.consultation(id)
	assert.Equal(t, models.StatusPacienteNaoCompareceu, c.Status)
	assert.False(t, c.Billable)

	slot := f.store.slot(c.SlotID)
	assert.Equal(t, models.SlotAvailable, slot.Status)
	assert.Nil(t, slot.PatientID)

	res := f.store.reservation(id)
	assert.Equal(t, models.ReservationCancelled, res.Status)
	assert.Nil(t, res.PatientToken)
	assert.Nil(t, res.ProfessionalToken)

	room, err := f.presence.GetRoom(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.False(t, room.Open())
	assert.Equal(t, CloseInactivity, room.Reason)

	assert.Equal(t, 3, f.store.cycle("cycle-"+id).Available, "no refund when nobody joined")
	_, hasCommission := f.store.commission(id)
	assert.False(t, hasCommission)
}

func TestNoJoinCheck_OneJoinedNeverCancels(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	ctx := context.Background()

	f.at(9 * time.Minute)
	_, err := f.presence.RegisterJoin(ctx, id, models.RolePatient, "tok")
	require.NoError(t, err)

	f.at(10 * time.Minute)
	require.NoError(t, f.consumer.Handle(ctx, f.job(queue.KindCancelNoShow, id, 0)))

	c := f.store.consultation(id)
	assert.True(t, c.Status.IsActive())
	assert.Equal(t, models.SlotReserved, f.store.slot(c.SlotID).Status)
}

func TestNoJoinCheck_BeforeDeadlineIsRetried(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")

	f.at(9 * time.Minute)
	err := f.consumer.Handle(context.Background(), f.job(queue.KindCancelNoShow, id, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrTransient)
	assert.Equal(t, models.StatusAgendada, f.store.consultation(id).Status)
}

func TestProcessNoShow_Policies(t *testing.T) {
	tests := []struct {
		name         string
		missing      models.MissingRole
		wantStatus   models.ConsultationStatus
		wantBillable bool
		wantRefund   bool
	}{
		{"patient missing", models.MissingPatient, models.StatusPacienteNaoCompareceu, true, false},
		{"professional missing", models.MissingProfessional, models.StatusPsicologoNaoCompareceu, false, true},
		{"both missing", models.MissingBoth, models.StatusPacienteNaoCompareceu, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.seed("c1")
			f.at(11 * time.Minute)

			c, err := f.engine.ProcessNoShow(context.Background(), id, tt.missing)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, c.Status)
			assert.Equal(t, tt.wantBillable, c.Billable)

			cycle := f.store.cycle("cycle-" + id)
			if tt.wantRefund {
				assert.Equal(t, 4, cycle.Available)
				assert.Equal(t, 0, cycle.Used)
			} else {
				assert.Equal(t, 3, cycle.Available)
				assert.Equal(t, 1, cycle.Used)
			}

			_, hasCommission := f.store.commission(id)
			assert.Equal(t, tt.wantBillable, hasCommission)
		})
	}
}

func TestProcessNoShow_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	ctx := context.Background()
	f.at(12 * time.Minute)

	first, err := f.engine.ProcessNoShow(ctx, id, models.MissingProfessional)
	require.NoError(t, err)
	second, err := f.engine.ProcessNoShow(ctx, id, models.MissingProfessional)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, f.store.refunds)
	assert.Equal(t, 4, f.store.cycle("cycle-"+id).Available)
}

func TestProcessNoShow_ElapsedTimeGuard(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	ctx := context.Background()

	f.at(-5 * time.Minute)
	c, err := f.engine.ProcessNoShow(ctx, id, models.MissingBoth)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAgendada, c.Status, "too early: no-op")

	f.at(5 * time.Minute)
	c, err = f.engine.ProcessNoShow(ctx, id, models.MissingBoth)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmAndamento, c.Status, "inside the grace period it only starts")

	c, err = f.engine.ProcessNoShow(ctx, id, models.MissingBoth)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmAndamento, c.Status)
}

func TestFinalize_RequiresBothParticipants(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	ctx := context.Background()
	f.at(50 * time.Minute)
	f.store.join(id, models.RolePatient, sessionStart)

	_, err := f.engine.Finalize(ctx, id, false, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrParticipantsNotPresent)
	assert.Equal(t, models.StatusAgendada, f.store.consultation(id).Status)

	c, err := f.engine.Finalize(ctx, id, true, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRealizada, c.Status)
}

func TestFinalize_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	ctx := context.Background()
	f.store.join(id, models.RolePatient, sessionStart)
	f.store.join(id, models.RoleProfessional, sessionStart)
	f.at(50 * time.Minute)

	first, err := f.engine.Finalize(ctx, id, false, "")
	require.NoError(t, err)
	second, err := f.engine.Finalize(ctx, id, false, "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusRealizada, first.Status)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 1, f.store.upserts, "no duplicate commission")

	res := f.store.reservation(id)
	assert.Equal(t, models.ReservationCompleted, res.Status)
	assert.Nil(t, res.PatientToken)
	assert.Equal(t, models.SlotCompleted, f.store.slot("slot-"+id).Status)
	assert.Equal(t, 0, f.queue.len())
}

func TestApplyTransition_ProfessionalNoShowCannotBecomeCompleted(t *testing.T) {
	f := newFixture(t)
	id := f.store.seed(seedOptions{ID: "c1", ScheduledAt: sessionStart, Status: models.StatusPsicologoNaoCompareceu})

	_, err := f.engine.ApplyTransition(context.Background(), TransitionRequest{
		Lookup: models.LookupConsultation(id),
		Status: models.StatusRealizada,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)
	assert.Equal(t, models.StatusPsicologoNaoCompareceu, f.store.consultation(id).Status)
	assert.Len(t, f.audit.byStatus(models.AuditFailure), 1)
}

func TestApplyTransition_AdministrativeOverrideFromCompleted(t *testing.T) {
	f := newFixture(t)
	id := f.store.seed(seedOptions{ID: "c1", ScheduledAt: sessionStart, Value: "189.99", Status: models.StatusRealizada})
	f.store.commissions[id] = models.Commission{ConsultationID: id}

	c, err := f.engine.ApplyTransition(context.Background(), TransitionRequest{
		Lookup:  models.LookupConsultation(id),
		Status:  models.StatusCanceladoAdministrador,
		ActorID: "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceladoAdministrador, c.Status)
	assert.Equal(t, models.OriginAdminGestao, c.Origin)
	_, hasCommission := f.store.commission(id)
	assert.False(t, hasCommission, "non-billable supersession reverses the commission")

	_, err = f.engine.ApplyTransition(context.Background(), TransitionRequest{
		Lookup: models.LookupConsultation(id),
		Status: models.StatusAgendada,
	})
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)
}

func TestApplyTransition_SameStatusHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")

	c, err := f.engine.ApplyTransition(context.Background(), TransitionRequest{
		Lookup: models.LookupConsultation(id),
		Status: models.StatusAgendada,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAgendada, c.Status)
	assert.Empty(t, f.audit.entries)
	assert.Equal(t, 0, f.notifier.count(ConsultationChannel(id), "status-changed"))
}

func TestApplyTransition_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ApplyTransition(context.Background(), TransitionRequest{
		Lookup: models.LookupConsultation("c1"),
		Status: "Whatever",
	})
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestApplyTransition_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ApplyTransition(context.Background(), TransitionRequest{
		Lookup: models.LookupConsultation("missing"),
		Status: models.StatusRealizada,
	})
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestApplyTransition_RollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	f.store.statusFn = func(models.Consultation) error { return errors.New("connection reset") }

	_, err := f.engine.CancelByPatient(context.Background(), id, true, "patient-c1")
	require.Error(t, err)
	assert.Equal(t, models.StatusAgendada, f.store.consultation(id).Status)
	assert.Equal(t, 3, f.store.cycle("cycle-"+id).Available)
	assert.Equal(t, 0, f.store.refunds)
}

func TestRefundConservation_AcrossRefundingStatuses(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	ctx := context.Background()

	_, err := f.engine.CancelByPatient(ctx, id, true, "patient-c1")
	require.NoError(t, err)
	_, err = f.engine.ApplyTransition(ctx, TransitionRequest{Lookup: models.LookupConsultation(id), Status: models.StatusCanceladoAdministrador})
	require.NoError(t, err)
	_, err = f.engine.ApplyTransition(ctx, TransitionRequest{Lookup: models.LookupConsultation(id), Status: models.StatusPsicologoDescredenciado})
	require.NoError(t, err)

	cycle := f.store.cycle("cycle-" + id)
	assert.Equal(t, 1, f.store.refunds)
	assert.Equal(t, 4, cycle.Available)
	assert.Equal(t, 0, cycle.Used)
	assert.Equal(t, 4, cycle.Available+cycle.Used)
}

func TestRefundConservation_ThroughNonRefundingStatus(t *testing.T) {
	tests := []struct {
		name  string
		first func(f *fixture, id string) error
		chain []models.ConsultationStatus
	}{
		{
			name: "professional no-show, off platform, admin cancel",
			first: func(f *fixture, id string) error {
				_, err := f.engine.MarkNoShow(context.Background(), id, models.RoleProfessional, "")
				return err
			},
			chain: []models.ConsultationStatus{models.StatusForaDaPlataforma, models.StatusCanceladoAdministrador},
		},
		{
			name: "patient cancel in window, late, professional cancel in window",
			first: func(f *fixture, id string) error {
				_, err := f.engine.CancelByPatient(context.Background(), id, true, "patient-c1")
				return err
			},
			chain: []models.ConsultationStatus{models.StatusCanceladaPacienteForaDoPrazo, models.StatusCanceladaPsicologoNoPrazo},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.seed("c1")
			f.store.setCycle("cycle-"+id, 3, 2)

			require.NoError(t, tt.first(f, id))
			for _, status := range tt.chain {
				_, err := f.engine.ApplyTransition(context.Background(), TransitionRequest{Lookup: models.LookupConsultation(id), Status: status})
				require.NoError(t, err, status)
			}

			cycle := f.store.cycle("cycle-" + id)
			assert.Equal(t, 1, f.store.refunds)
			assert.Equal(t, 4, cycle.Available)
			assert.Equal(t, 1, cycle.Used)

			c, err := f.store.LoadAggregate(context.Background(), models.LookupConsultation(id))
			require.NoError(t, err)
			assert.NotNil(t, c.Consultation.CreditRefundedAt)
		})
	}
}

func TestCancellations(t *testing.T) {
	granted := true
	tests := []struct {
		name         string
		run          func(f *fixture, id string) (*models.Consultation, error)
		wantStatus   models.ConsultationStatus
		wantBillable bool
		wantRefund   bool
	}{
		{"patient in window", func(f *fixture, id string) (*models.Consultation, error) {
			return f.engine.CancelByPatient(context.Background(), id, true, "")
		}, models.StatusCanceladaPacienteNoPrazo, false, true},
		{"patient late", func(f *fixture, id string) (*models.Consultation, error) {
			return f.engine.CancelByPatient(context.Background(), id, false, "")
		}, models.StatusCanceladaPacienteForaDoPrazo, true, false},
		{"professional in window", func(f *fixture, id string) (*models.Consultation, error) {
			return f.engine.CancelByProfessional(context.Background(), id, true, "")
		}, models.StatusCanceladaPsicologoNoPrazo, false, true},
		{"professional late, appeal unknown", func(f *fixture, id string) (*models.Consultation, error) {
			return f.engine.CancelByProfessional(context.Background(), id, false, "")
		}, models.StatusCanceladaPsicologoForaDoPrazo, false, true},
		{"patient breach, appeal granted", func(f *fixture, id string) (*models.Consultation, error) {
			return f.engine.ApplyTransition(context.Background(), TransitionRequest{
				Lookup:        models.LookupConsultation(id),
				Status:        models.StatusCanceladaNaoCumprimentoContratualPaciente,
				AppealGranted: &granted,
			})
		}, models.StatusCanceladaNaoCumprimentoContratualPaciente, true, false},
		{"professional reschedule late", func(f *fixture, id string) (*models.Consultation, error) {
			return f.engine.Reschedule(context.Background(), id, models.OriginPsicologo, false, "")
		}, models.StatusReagendadaPsicologoForaDoPrazo, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.seed("c1")

			c, err := tt.run(f, id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, c.Status)
			assert.Equal(t, tt.wantBillable, c.Billable)
			assert.Equal(t, tt.wantRefund, f.store.refunds == 1)
			assert.Equal(t, models.SlotAvailable, f.store.slot("slot-"+id).Status)
		})
	}
}

func TestReschedule_PatientOutsideWindowIsRejected(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")

	_, err := f.engine.Reschedule(context.Background(), id, models.OriginPaciente, false, "")
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestStart_ConcurrentStartsForSameParticipant(t *testing.T) {
	f := newFixture(t)
	f.store.seed(seedOptions{ID: "c1", PatientID: "p1", ScheduledAt: sessionStart})
	f.store.seed(seedOptions{ID: "c2", PatientID: "p1", ScheduledAt: sessionStart})
	f.at(0)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for _, id := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.Start(context.Background(), id, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, utils.ErrConcurrentSessionConflict):
				conflicts++
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestStart_TooEarlyIsRejected(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	f.at(-5 * time.Minute)

	_, err := f.engine.Start(context.Background(), id, "")
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestRecordJoin(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	ctx := context.Background()
	first := sessionStart.Add(time.Minute)

	require.NoError(t, f.engine.RecordJoin(ctx, id, models.RolePatient, first))
	require.NoError(t, f.engine.RecordJoin(ctx, id, models.RolePatient, first.Add(time.Minute)))

	res := f.store.reservation(id)
	require.NotNil(t, res.PatientJoinedAt)
	assert.True(t, res.PatientJoinedAt.Equal(first), "join time is set once")
	assert.Nil(t, res.ProfessionalJoinedAt)

	assert.ErrorIs(t, f.engine.RecordJoin(ctx, id, "guest", first), utils.ErrValidation)
}

func TestPostCommitEventsAreDispatched(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	_, err := f.scheduler.ScheduleTimeline(context.Background(), id, sessionStart)
	require.NoError(t, err)

	_, err = f.engine.CancelByPatient(context.Background(), id, true, "patient-c1")
	require.NoError(t, err)

	assert.Equal(t, 1, f.notifier.count(ConsultationChannel(id), "status-changed"))
	assert.Equal(t, 1, f.notifier.count(UserChannel("patient-c1"), "consultation-status"))
	assert.Len(t, f.audit.byStatus(models.AuditSuccess), 1)
	assert.Equal(t, 0, f.queue.len(), "pending timeline removed")
}

func TestAuditFailureDoesNotAbortTransition(t *testing.T) {
	f := newFixture(t)
	id := f.seed("c1")
	f.audit.err = errors.New("audit table locked")

	c, err := f.engine.CancelByPatient(context.Background(), id, true, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceladaPacienteNoPrazo, c.Status)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	f.store.seed(seedOptions{ID: "c1", ScheduledAt: sessionStart, Status: models.StatusRealizada})
	f.store.seed(seedOptions{ID: "c2", ScheduledAt: sessionStart, Status: models.StatusRealizada})
	f.store.seed(seedOptions{ID: "c3", ScheduledAt: sessionStart, Status: models.StatusPacienteNaoCompareceu})
	f.store.seed(seedOptions{ID: "c4", ScheduledAt: sessionStart.AddDate(0, 1, 0), Status: models.StatusRealizada})

	stats, err := f.engine.Statistics(context.Background(), sessionStart.AddDate(0, 0, -1), sessionStart.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Len(t, stats.Counts, len(models.AllStatuses()))

	for _, row := range stats.Counts {
		switch row.Status {
		case models.StatusRealizada:
			assert.Equal(t, int64(2), row.Count)
			assert.True(t, row.Percent.Equal(decimal.RequireFromString("66.67")), row.Percent.String())
		case models.StatusPacienteNaoCompareceu:
			assert.True(t, row.Percent.Equal(decimal.RequireFromString("33.33")), row.Percent.String())
		}
	}

	_, err = f.engine.Statistics(context.Background(), sessionStart, sessionStart)
	assert.ErrorIs(t, err, utils.ErrValidation)
}
