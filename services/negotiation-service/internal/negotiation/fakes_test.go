package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptnegotiation/services/negotiation-service/internal/model"
)

// memStore is an in-memory Store. Transactions are serialized and stage their
// writes on copies that are only published on commit.
type memStore struct {
	txMu sync.Mutex

	mu           sync.Mutex
	requests     map[string]model.AppointmentRequest
	appointments map[string]model.Appointment
	events       []Event

	failAppointment error
	// failEvent makes RecordEvent fail without touching the rest of the
	// transaction.
	failEvent error
	// blindPrecheck makes the conflict lookups miss so inserts hit the
	// pending-slot guard directly.
	blindPrecheck bool
}

func newMemStore() *memStore {
	return &memStore{
		requests:     map[string]model.AppointmentRequest{},
		appointments: map[string]model.Appointment{},
	}
}

func (s *memStore) FindPendingRequest(_ context.Context, q SlotQuery) (string, error) {
	if s.blindPrecheck {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return pendingFor(s.requests, q), nil
}

func (s *memStore) FindActiveAppointment(_ context.Context, q SlotQuery) (string, error) {
	if s.blindPrecheck {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.appointments {
		pid, ok := a.Patient.CanonicalID()
		if ok && pid == q.PatientID && a.DoctorID == q.DoctorID && a.Date.Equal(q.Date) && a.Time == q.Time && a.Status.Active() {
			return a.ID, nil
		}
	}
	return "", nil
}

func (s *memStore) GetRequest(_ context.Context, id string) (model.AppointmentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return model.AppointmentRequest{}, ErrNotFound
	}
	return r, nil
}

func (s *memStore) ListRequests(_ context.Context, f Filter) ([]model.AppointmentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AppointmentRequest
	for _, r := range s.requests {
		if matches(r, f) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(r model.AppointmentRequest, f Filter) bool {
	if f.ClinicID != "" && r.Target.ClinicID != f.ClinicID {
		return false
	}
	if f.DoctorID != "" && r.Target.DoctorID != f.DoctorID {
		return false
	}
	if f.PatientID != "" && r.PatientID != f.PatientID {
		return false
	}
	if f.TargetType != "" && r.Target.Type != f.TargetType {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			found = found || s == r.Status
		}
		if !found {
			return false
		}
	}
	if f.From != nil && r.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && r.Date.After(*f.To) {
		return false
	}
	return true
}

func (s *memStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	tx := &memTx{
		s:            s,
		requests:     make(map[string]model.AppointmentRequest, len(s.requests)),
		appointments: make(map[string]model.Appointment, len(s.appointments)),
	}
	for k, v := range s.requests {
		tx.requests[k] = v
	}
	for k, v := range s.appointments {
		tx.appointments[k] = v
	}
	s.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.requests, s.appointments = tx.requests, tx.appointments
	s.events = append(s.events, tx.events...)
	s.mu.Unlock()
	return nil
}

func (s *memStore) lastEvent() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return Event{}, false
	}
	return s.events[len(s.events)-1], true
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memStore) appointmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appointments)
}

func (s *memStore) onlyAppointment() (model.Appointment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.appointments {
		return a, len(s.appointments) == 1
	}
	return model.Appointment{}, false
}

func (s *memStore) countStatus(status model.RequestStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Status == status {
			n++
		}
	}
	return n
}

func pendingFor(requests map[string]model.AppointmentRequest, q SlotQuery) string {
	for _, r := range requests {
		if r.Status == model.StatusPending && r.PatientID == q.PatientID && r.Target.Key() == q.TargetKey &&
			r.Date.Equal(q.Date) && r.Time == q.Time {
			return r.ID
		}
	}
	return ""
}

type memTx struct {
	s            *memStore
	requests     map[string]model.AppointmentRequest
	appointments map[string]model.Appointment
	events       []Event
}

func (tx *memTx) InsertPendingRequest(_ context.Context, req *model.AppointmentRequest) (string, error) {
	if id := pendingFor(tx.requests, SlotQuery{
		PatientID: req.PatientID,
		TargetKey: req.Target.Key(),
		Date:      req.Date,
		Time:      req.Time,
	}); id != "" {
		return id, nil
	}
	tx.requests[req.ID] = *req
	return "", nil
}

func (tx *memTx) LockRequest(_ context.Context, id string) (model.AppointmentRequest, error) {
	r, ok := tx.requests[id]
	if !ok {
		return model.AppointmentRequest{}, ErrNotFound
	}
	return r, nil
}

func (tx *memTx) UpdateRequest(_ context.Context, req model.AppointmentRequest) error {
	if _, ok := tx.requests[req.ID]; !ok {
		return ErrNotFound
	}
	tx.requests[req.ID] = req
	return nil
}

func (tx *memTx) InsertAppointment(_ context.Context, appt model.Appointment) error {
	if tx.s.failAppointment != nil {
		return tx.s.failAppointment
	}
	for _, a := range tx.appointments {
		if a.RequestID == appt.RequestID {
			return fmt.Errorf("appointment for request %s already exists", appt.RequestID)
		}
	}
	tx.appointments[appt.ID] = appt
	return nil
}

func (tx *memTx) RecordEvent(_ context.Context, ev Event) error {
	if tx.s.failEvent != nil {
		return tx.s.failEvent
	}
	tx.events = append(tx.events, ev)
	return nil
}

type stubRegistry struct {
	patients    map[string]time.Time
	emails      map[string]string
	memberships map[string]Membership
	accounts    map[string]Account
	err         error
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{
		patients:    map[string]time.Time{},
		emails:      map[string]string{},
		memberships: map[string]Membership{},
		accounts:    map[string]Account{},
	}
}

func (r *stubRegistry) addPatient(id, email string, created time.Time) {
	r.patients[id] = created
	r.emails[id] = email
}

func (r *stubRegistry) PatientExists(_ context.Context, id string) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	_, ok := r.patients[id]
	return ok, nil
}

func (r *stubRegistry) Membership(_ context.Context, id string) (Membership, error) {
	if r.err != nil {
		return Membership{}, r.err
	}
	m, ok := r.memberships[id]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return m, nil
}

func (r *stubRegistry) Account(_ context.Context, id string) (Account, error) {
	if r.err != nil {
		return Account{}, r.err
	}
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *stubRegistry) PatientsByEmail(_ context.Context, email string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	var ids []string
	for id, e := range r.emails {
		if e == email {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := r.patients[ids[i]], r.patients[ids[j]]
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

type stubDirectory struct {
	clinics map[string]Clinic
	doctors map[string]Doctor
}

func (d *stubDirectory) Clinic(_ context.Context, id string) (Clinic, error) {
	c, ok := d.clinics[id]
	if !ok {
		return Clinic{}, ErrNotFound
	}
	return c, nil
}

func (d *stubDirectory) Doctor(_ context.Context, id string) (Doctor, error) {
	doc, ok := d.doctors[id]
	if !ok {
		return Doctor{}, ErrNotFound
	}
	return doc, nil
}

var errBoom = errors.New("boom")
