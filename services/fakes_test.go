package services

import (
	"PsiConsulta/config"
	"PsiConsulta/database"
	"PsiConsulta/models"
	"PsiConsulta/queue"
	"PsiConsulta/utils"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTxKey struct{}

// fakeStore is an in-memory ConsultationStore, PlanStore and CommissionStore.
// Transactions are serialized and roll back on error.
type fakeStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	consultations map[string]models.Consultation
	reservations  map[string]models.SessionReservation
	slots         map[string]models.ScheduleSlot
	cycles        map[string]models.PlanCycle
	professionals map[string]models.Professional
	patientPlans  map[string]models.PatientPlan
	commissions   map[string]models.Commission
	listPrice     decimal.Decimal

	refunds  int
	upserts  int
	loadErr  error
	statusFn func(c models.Consultation) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		consultations: map[string]models.Consultation{},
		reservations:  map[string]models.SessionReservation{},
		slots:         map[string]models.ScheduleSlot{},
		cycles:        map[string]models.PlanCycle{},
		professionals: map[string]models.Professional{},
		patientPlans:  map[string]models.PatientPlan{},
		commissions:   map[string]models.Commission{},
	}
}

type fakeSnapshot struct {
	consultations map[string]models.Consultation
	reservations  map[string]models.SessionReservation
	slots         map[string]models.ScheduleSlot
	cycles        map[string]models.PlanCycle
	commissions   map[string]models.Commission
	refunds       int
	upserts       int
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (f *fakeStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(fakeTxKey{}) != nil {
		return fn(ctx)
	}
	f.txMu.Lock()
	defer f.txMu.Unlock()

	f.mu.Lock()
	snap := fakeSnapshot{
		consultations: copyMap(f.consultations),
		reservations:  copyMap(f.reservations),
		slots:         copyMap(f.slots),
		cycles:        copyMap(f.cycles),
		commissions:   copyMap(f.commissions),
		refunds:       f.refunds,
		upserts:       f.upserts,
	}
	f.mu.Unlock()

	if err := fn(context.WithValue(ctx, fakeTxKey{}, true)); err != nil {
		f.mu.Lock()
		f.consultations, f.reservations, f.slots = snap.consultations, snap.reservations, snap.slots
		f.cycles, f.commissions = snap.cycles, snap.commissions
		f.refunds, f.upserts = snap.refunds, snap.upserts
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeStore) LoadAggregate(ctx context.Context, lookup models.ConsultationLookup) (*models.ConsultationAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}

	var found *models.Consultation
	switch lookup.Kind {
	case models.ByConsultationID:
		if c, ok := f.consultations[lookup.ID]; ok {
			found = &c
		}
	case models.ByReservationID:
		for _, r := range f.reservations {
			if r.ID == lookup.ID {
				c := f.consultations[r.ConsultationID]
				found = &c
			}
		}
	case models.BySlotID, models.ByParticipantID:
		for _, c := range f.consultations {
			c := c
			if lookup.Kind == models.BySlotID && c.SlotID == lookup.ID ||
				lookup.Kind == models.ByParticipantID && c.Status.IsActive() && (c.PatientID == lookup.ID || c.ProfessionalID == lookup.ID) {
				found = &c
			}
		}
	}
	if found == nil {
		return nil, utils.NewNotFoundError("consultation " + lookup.String() + " not found")
	}

	c := *found
	if r, ok := f.reservations[c.ID]; ok {
		c.Reservation = &r
	}
	if s, ok := f.slots[c.SlotID]; ok {
		c.Slot = &s
	}
	if c.PlanCycleID != nil {
		if pc, ok := f.cycles[*c.PlanCycleID]; ok {
			c.PlanCycle = &pc
		}
	}
	if p, ok := f.professionals[c.ProfessionalID]; ok {
		c.Professional = &p
	}
	return models.NewConsultationAggregate(c)
}

func (f *fakeStore) Status(ctx context.Context, id string) (models.ConsultationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consultations[id]
	if !ok {
		return "", utils.NewNotFoundError("consultation " + id + " not found")
	}
	return c.Status, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, c *models.Consultation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusFn != nil {
		if err := f.statusFn(*c); err != nil {
			return err
		}
	}
	stored := *c
	stored.Reservation, stored.Slot, stored.PlanCycle, stored.Professional = nil, nil, nil, nil
	f.consultations[c.ID] = stored
	return nil
}

func (f *fakeStore) CountOtherInProgress(ctx context.Context, id, patientID, professionalID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range f.consultations {
		if c.ID != id && c.Status == models.StatusEmAndamento && (c.PatientID == patientID || c.ProfessionalID == professionalID) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) RefundCredit(ctx context.Context, consultationID, planCycleID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consultations[consultationID]
	if !ok || c.CreditRefundedAt != nil {
		return false, nil
	}
	c.CreditRefundedAt = &at
	f.consultations[consultationID] = c

	pc, ok := f.cycles[planCycleID]
	if !ok || pc.Used <= 0 {
		return false, nil
	}
	pc.Available++
	pc.Used--
	f.cycles[planCycleID] = pc
	f.refunds++
	return true, nil
}

func (f *fakeStore) UpdateSlot(ctx context.Context, slotID string, status models.SlotStatus, release bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.slots[slotID]
	s.Status = status
	if release {
		s.PatientID = nil
	}
	f.slots[slotID] = s
	return nil
}

func (f *fakeStore) UpdateReservation(ctx context.Context, id string, status models.ReservationStatus, clearTokens bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reservations[id]
	r.Status = status
	if clearTokens {
		r.PatientToken, r.ProfessionalToken = nil, nil
	}
	f.reservations[id] = r
	return nil
}

func (f *fakeStore) ClearTokens(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reservations[id]
	r.PatientToken, r.ProfessionalToken = nil, nil
	f.reservations[id] = r
	return nil
}

func (f *fakeStore) SaveTokens(ctx context.Context, id, patientToken, professionalToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reservations[id]
	r.PatientToken, r.ProfessionalToken = &patientToken, &professionalToken
	f.reservations[id] = r
	return nil
}

func (f *fakeStore) MarkJoined(ctx context.Context, id string, role models.Role, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return false, nil
	}
	if role == models.RolePatient {
		if r.PatientJoinedAt != nil {
			return false, nil
		}
		r.PatientJoinedAt = &at
	} else {
		if r.ProfessionalJoinedAt != nil {
			return false, nil
		}
		r.ProfessionalJoinedAt = &at
	}
	f.reservations[id] = r
	return true, nil
}

func (f *fakeStore) ListByStatus(ctx context.Context, status models.ConsultationStatus, limit int) ([]models.Consultation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Consultation
	for _, c := range f.consultations {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountByStatus(ctx context.Context, from, to time.Time) (map[models.ConsultationStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[models.ConsultationStatus]int64{}
	for _, c := range f.consultations {
		if !c.ScheduledAt.Before(from) && c.ScheduledAt.Before(to) {
			counts[c.Status]++
		}
	}
	return counts, nil
}

func (f *fakeStore) ActivePatientPlan(ctx context.Context, patientID string) (*models.PatientPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pp, ok := f.patientPlans[patientID]; ok && pp.Active {
		return &pp, nil
	}
	return nil, nil
}

func (f *fakeStore) ListPrice(ctx context.Context) (decimal.Decimal, error) {
	return f.listPrice, nil
}

func (f *fakeStore) FindByConsultation(ctx context.Context, id string) (*models.Commission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.commissions[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (f *fakeStore) Upsert(ctx context.Context, commission *models.Commission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commissions[commission.ConsultationID] = *commission
	f.upserts++
	return nil
}

func (f *fakeStore) DeleteByConsultation(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.commissions[id]
	delete(f.commissions, id)
	return ok, nil
}

func (f *fakeStore) ListByPeriod(ctx context.Context, period string) ([]models.Commission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Commission
	for _, c := range f.commissions {
		if c.Period == period {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) consultation(id string) models.Consultation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consultations[id]
}

func (f *fakeStore) reservation(id string) models.SessionReservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reservations[id]
}

func (f *fakeStore) slot(id string) models.ScheduleSlot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slots[id]
}

func (f *fakeStore) cycle(id string) models.PlanCycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycles[id]
}

func (f *fakeStore) setCycle(id string, available, used int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := f.cycles[id]
	pc.Available, pc.Used = available, used
	f.cycles[id] = pc
}

func (f *fakeStore) commission(id string) (models.Commission, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commissions[id]
	return c, ok
}

// seedOptions describe one consultation added by seed.
type seedOptions struct {
	ID           string
	PatientID    string
	Professional models.Professional
	ScheduledAt  time.Time
	Status       models.ConsultationStatus
	Value        string
	WithCycle    bool
}

func (f *fakeStore) seed(o seedOptions) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.PatientID == "" {
		o.PatientID = "patient-" + o.ID
	}
	if o.Professional.ID == "" {
		o.Professional = models.Professional{ID: "pro-" + o.ID, Name: "Dra. Ana", PersonType: models.PersonIncorporated, Active: true}
	}
	if o.Status == "" {
		o.Status = models.StatusAgendada
	}
	value := decimal.Zero
	if o.Value != "" {
		value = decimal.RequireFromString(o.Value)
	}

	slotID := "slot-" + o.ID
	patientID := o.PatientID
	c := models.Consultation{
		ID:             o.ID,
		ScheduledAt:    o.ScheduledAt,
		Status:         o.Status,
		Value:          value,
		PatientID:      o.PatientID,
		ProfessionalID: o.Professional.ID,
		SlotID:         slotID,
	}
	if o.WithCycle {
		cycleID := "cycle-" + o.ID
		c.PlanCycleID = &cycleID
		f.cycles[cycleID] = models.PlanCycle{ID: cycleID, PatientID: o.PatientID, Available: 3, Used: 1, Active: true}
	}
	f.consultations[o.ID] = c
	f.professionals[o.Professional.ID] = o.Professional
	f.slots[slotID] = models.ScheduleSlot{ID: slotID, ProfessionalID: o.Professional.ID, PatientID: &patientID, StartsAt: o.ScheduledAt, Status: models.SlotReserved}
	pt, qt := "old-patient-token", "old-pro-token"
	f.reservations[o.ID] = models.SessionReservation{
		ID:                "res-" + o.ID,
		ConsultationID:    o.ID,
		ScheduledAt:       o.ScheduledAt,
		Status:            models.ReservationReserved,
		PatientToken:      &pt,
		ProfessionalToken: &qt,
	}
	return o.ID
}

func (f *fakeStore) join(id string, role models.Role, at time.Time) {
	_, _ = f.MarkJoined(context.Background(), id, role, at)
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []models.AuditLog
	err     error
}

func (a *fakeAuditStore) Create(ctx context.Context, entry *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, *entry)
	return nil
}

func (a *fakeAuditStore) byStatus(status models.AuditStatus) []models.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditLog
	for _, e := range a.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

type kvEntry struct {
	value     string
	expiresAt time.Time
}

// fakeKV is a TTL key-value store driven by the test clock.
type fakeKV struct {
	mu    sync.Mutex
	data  map[string]kvEntry
	clock utils.Clock
	err   error
}

func newFakeKV(clock utils.Clock) *fakeKV {
	return &fakeKV{data: map[string]kvEntry{}, clock: clock}
}

func (k *fakeKV) Get(ctx context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return "", k.err
	}
	e, ok := k.data[key]
	if !ok || !k.clock.Now().Before(e.expiresAt) {
		return "", nil
	}
	return e.value, nil
}

func (k *fakeKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return k.err
	}
	var s string
	switch v := value.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return errors.New("unsupported value type")
	}
	k.data[key] = kvEntry{value: s, expiresAt: k.clock.Now().Add(expiration)}
	return nil
}

func (k *fakeKV) Delete(ctx context.Context, key string) error {
	return k.DeleteBatch(ctx, key)
}

func (k *fakeKV) DeleteBatch(ctx context.Context, keys ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return k.err
	}
	for _, key := range keys {
		delete(k.data, key)
	}
	return nil
}

func (k *fakeKV) ttl(key string) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.data[key].expiresAt.Sub(k.clock.Now())
}

type sentNotification struct {
	Channel string
	Event   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(ctx context.Context, channel, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{Channel: channel, Event: event})
}

func (n *recordingNotifier) NotifyUser(ctx context.Context, userID, event string, payload interface{}) {
	n.Notify(ctx, UserChannel(userID), event, payload)
}

func (n *recordingNotifier) count(channel, event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, s := range n.sent {
		if s.Channel == channel && s.Event == event {
			total++
		}
	}
	return total
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]queue.Job
	err  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]queue.Job{}}
}

func (q *fakeQueue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs[job.ID] = job
	return nil
}

func (q *fakeQueue) Remove(ctx context.Context, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.jobs, id)
	}
	return nil
}

func (q *fakeQueue) Pending(ctx context.Context, id string) (time.Time, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return time.Time{}, false, q.err
	}
	job, ok := q.jobs[id]
	return job.RunAt, ok, nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	refuse bool
}

func (l *fakeLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse || l.held[key] {
		return nil, database.ErrLockNotAcquired
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

// fixture wires every service over the fakes.
type fixture struct {
	store    *fakeStore
	audit    *fakeAuditStore
	kv       *fakeKV
	notifier *recordingNotifier
	queue    *fakeQueue
	locker   *fakeLocker
	clock    *utils.FixedClock

	payout    *PayoutCalculator
	scheduler *TimelineScheduler
	engine    *TransitionService
	presence  *PresenceService
	tokens    *TokenService
	consumer  *JobConsumer
}

var saoPaulo = func() *time.Location {
	loc, err := time.LoadLocation(utils.DefaultTimezone)
	if err != nil {
		panic(err)
	}
	return loc
}()

// sessionStart is 2025-01-10 13:00:00 in the canonical zone.
var sessionStart = time.Date(2025, 1, 10, 13, 0, 0, 0, saoPaulo)

func testPayoutConfig() config.PayoutConfig {
	return config.PayoutConfig{
		IncorporatedPercent: decimal.RequireFromString("0.40"),
		IndependentPercent:  decimal.RequireFromString("0.32"),
		CutoffDay:           20,
		FallbackListPrice:   decimal.Zero,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	f := &fixture{
		store:    newFakeStore(),
		audit:    &fakeAuditStore{},
		notifier: &recordingNotifier{},
		queue:    newFakeQueue(),
		locker:   &fakeLocker{},
		clock:    utils.NewFixedClock(sessionStart.Add(-time.Hour), saoPaulo),
	}
	f.kv = newFakeKV(f.clock)

	issuer, err := utils.NewTokenIssuer("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)

	dispatcher := NewInlineDispatcher(log)
	f.payout = NewPayoutCalculator(f.store, f.store, testPayoutConfig(), f.clock, log)
	f.scheduler = NewTimelineScheduler(f.queue, f.clock, 50*time.Minute, log)
	f.engine = NewTransitionService(f.store, f.payout, f.scheduler, f.notifier, NewAuditor(f.audit, log), dispatcher, f.clock, log)
	f.presence = NewPresenceService(f.kv, f.store, f.engine, f.notifier, dispatcher, f.clock, log)
	f.tokens = NewTokenService(f.store, issuer, f.clock, log)
	f.consumer = NewJobConsumer(f.store, f.engine, f.presence, f.tokens, f.notifier, dispatcher, f.locker, f.clock, 50*time.Minute, log)
	return f
}

func (f *fixture) seed(id string) string {
	return f.store.seed(seedOptions{ID: id, ScheduledAt: sessionStart, Value: "189.99", WithCycle: true})
}

func (f *fixture) at(offset time.Duration) {
	f.clock.Set(sessionStart.Add(offset))
}

func (f *fixture) job(kind queue.Kind, id string, minutes int) queue.Job {
	return queue.Job{ID: queue.JobID(kind, id, minutes), Kind: kind, ConsultationID: id, ScheduledStart: sessionStart, MinutesRemaining: minutes}
}
