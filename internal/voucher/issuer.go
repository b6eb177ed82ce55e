package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/obs"
)

const (
	bulkLockKey      = "lock:voucher:issue-bulk"
	maxTokenAttempts = 3
)

// Issuance is the outcome of issuing vouchers for one guest.
type Issuance struct {
	GuestID   string     `json:"guest_id"`
	GuestName string     `json:"guest_name"`
	Created   []Voucher  `json:"created"`
	Skipped   []MealType `json:"skipped"`
	Message   string     `json:"message"`
}

// GuestFailure describes a guest the bulk run could not complete.
type GuestFailure struct {
	GuestID   string `json:"guest_id"`
	GuestName string `json:"guest_name"`
	Created   int    `json:"created"`
	Error     string `json:"error"`
}

// BulkIssuance aggregates a run over all active guests.
type BulkIssuance struct {
	GuestsProcessed int            `json:"guests_processed"`
	TotalCreated    int            `json:"total_created"`
	PerGuest        []Issuance     `json:"per_guest"`
	Failed          []GuestFailure `json:"failed"`
	Message         string         `json:"message"`
}

// IssuedPayload is the body of voucher.issued events.
type IssuedPayload struct {
	GuestID    string      `json:"guest_id"`
	GuestName  string      `json:"guest_name"`
	Email      string      `json:"email,omitempty"`
	VoucherIDs []uuid.UUID `json:"voucher_ids"`
	MealTypes  []MealType  `json:"meal_types"`
}

// Issuer creates the voucher set for guests. Creation is idempotent: only the
// meal types a guest does not hold yet are created.
type Issuer struct {
	Store       Store
	Directory   Directory
	MealTypes   []MealType
	Events      EventEmitter
	Locker      BulkLocker
	LockTTL     time.Duration
	Concurrency int
	NewToken    func() (string, error)
	NewID       func() uuid.UUID
	Now         func() time.Time
	Logger      *zerolog.Logger
}

// IssueFor issues the missing vouchers of a single active guest.
func (i *Issuer) IssueFor(ctx context.Context, guestID string) (Issuance, error) {
	if err := i.check(); err != nil {
		return Issuance{}, err
	}
	id := strings.TrimSpace(guestID)
	if id == "" {
		return Issuance{}, ErrInvalidGuestID
	}
	guest, err := i.Directory.Guest(ctx, id)
	if err != nil {
		if errors.Is(err, ErrGuestNotFound) {
			return Issuance{}, err
		}
		return Issuance{}, DependencyError(ErrDirectoryUnavailable, err)
	}
	if !guest.Active {
		return Issuance{}, fmt.Errorf("%w: %s", ErrGuestInactive, guest.ID)
	}
	iss, err := i.issue(ctx, guest)
	if err != nil {
		return iss, err
	}
	i.logger(ctx).Info().
		Str("guest_id", guest.ID).
		Int("created", len(iss.Created)).
		Int("skipped", len(iss.Skipped)).
		Msg("vouchers_issued")
	return iss, nil
}

// IssueForAllActive issues missing vouchers for every active guest. Guests are
// handled independently; a failure for one is reported without stopping the
// others. The run fails as a whole only when the directory cannot be listed.
func (i *Issuer) IssueForAllActive(ctx context.Context) (BulkIssuance, error) {
	if err := i.check(); err != nil {
		return BulkIssuance{}, err
	}
	if i.Locker == nil {
		return i.issueAll(ctx)
	}
	ttl := i.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	var (
		result BulkIssuance
		runErr error
	)
	acquired, err := i.Locker.TryWithLock(ctx, bulkLockKey, ttl, func(ctx context.Context) error {
		result, runErr = i.issueAll(ctx)
		return runErr
	})
	if acquired {
		return result, runErr
	}
	if err != nil {
		i.logger(ctx).Warn().Err(err).Msg("bulk_issue_lock_unavailable")
		return i.issueAll(ctx)
	}
	return BulkIssuance{}, ErrBulkInProgress
}

// ListForGuest returns the vouchers held by a guest. A guest without vouchers
// is checked against the directory so unknown ids report ErrGuestNotFound.
func (i *Issuer) ListForGuest(ctx context.Context, guestID string) ([]Voucher, error) {
	if err := i.check(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(guestID)
	if id == "" {
		return nil, ErrInvalidGuestID
	}
	list, err := i.Store.ListByGuest(ctx, id)
	if err != nil {
		return nil, DependencyError(ErrStoreUnavailable, err)
	}
	if len(list) > 0 {
		return list, nil
	}
	if _, err := i.Directory.Guest(ctx, id); err != nil {
		if errors.Is(err, ErrGuestNotFound) {
			return nil, err
		}
		return nil, DependencyError(ErrDirectoryUnavailable, err)
	}
	return []Voucher{}, nil
}

type guestOutcome struct {
	issuance Issuance
	err      error
}

func (i *Issuer) issueAll(ctx context.Context) (BulkIssuance, error) {
	started := time.Now()
	guests, err := i.Directory.Guests(ctx, true)
	if err != nil {
		return BulkIssuance{}, DependencyError(ErrDirectoryUnavailable, err)
	}
	active := guests[:0:0]
	for _, g := range guests {
		if g.Active {
			active = append(active, g)
		}
	}

	outcomes := make([]guestOutcome, len(active))
	var g errgroup.Group
	g.SetLimit(max(i.Concurrency, 1))
	for idx, guest := range active {
		g.Go(func() error {
			iss, err := i.issue(ctx, guest)
			outcomes[idx] = guestOutcome{issuance: iss, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := BulkIssuance{PerGuest: make([]Issuance, 0, len(active)), Failed: []GuestFailure{}}
	for idx, out := range outcomes {
		result.TotalCreated += len(out.issuance.Created)
		if out.err != nil {
			result.Failed = append(result.Failed, GuestFailure{
				GuestID:   active[idx].ID,
				GuestName: active[idx].Name,
				Created:   len(out.issuance.Created),
				Error:     out.err.Error(),
			})
			obs.CountBulkGuest("failed")
			continue
		}
		result.GuestsProcessed++
		result.PerGuest = append(result.PerGuest, out.issuance)
		if len(out.issuance.Created) > 0 {
			obs.CountBulkGuest("created")
		} else {
			obs.CountBulkGuest("complete")
		}
	}
	result.Message = bulkMessage(result)
	elapsed := time.Since(started)
	obs.ObserveBulkIssue(elapsed)

	i.emit(ctx, events.TopicBulkIssueCompleted, uuid.NewString(), map[string]any{
		"guests_processed": result.GuestsProcessed,
		"total_created":    result.TotalCreated,
		"failed":           len(result.Failed),
	})
	i.logger(ctx).Info().
		Int("guests", len(active)).
		Int("guests_processed", result.GuestsProcessed).
		Int("total_created", result.TotalCreated).
		Int("failed", len(result.Failed)).
		Dur("elapsed", elapsed).
		Msg("bulk_issue_finished")
	return result, ctx.Err()
}

// issue creates the missing meal types for guest. On error the returned
// Issuance still lists what was created before the failure.
func (i *Issuer) issue(ctx context.Context, guest Guest) (Issuance, error) {
	iss := Issuance{GuestID: guest.ID, GuestName: guest.Name, Created: []Voucher{}, Skipped: []MealType{}}
	var failure error
	for _, mt := range i.mealTypes() {
		v, created, err := i.createOne(ctx, guest, mt)
		if err != nil {
			failure = fmt.Errorf("issue %s for guest %s: %w", mt, guest.ID, err)
			break
		}
		if created {
			iss.Created = append(iss.Created, v)
			obs.CountIssued(string(mt), 1)
		} else {
			iss.Skipped = append(iss.Skipped, mt)
		}
	}
	iss.Message = issuanceMessage(iss)
	if len(iss.Created) > 0 {
		payload := IssuedPayload{GuestID: guest.ID, GuestName: guest.Name, Email: guest.Email}
		for _, v := range iss.Created {
			payload.VoucherIDs = append(payload.VoucherIDs, v.ID)
			payload.MealTypes = append(payload.MealTypes, v.MealType)
		}
		i.emit(ctx, events.TopicVoucherIssued, guest.ID, payload)
	}
	return iss, failure
}

func (i *Issuer) createOne(ctx context.Context, guest Guest, mt MealType) (Voucher, bool, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := i.newToken()
		if err != nil {
			return Voucher{}, false, err
		}
		candidate := Voucher{
			ID:        i.newID(),
			Token:     token,
			GuestID:   guest.ID,
			GuestName: guest.Name,
			MealType:  mt,
			Status:    StatusUnused,
			CreatedAt: i.now().UTC().Truncate(time.Microsecond),
		}
		v, created, err := i.Store.CreateIfAbsent(ctx, candidate)
		if errors.Is(err, ErrTokenCollision) {
			continue
		}
		if err != nil {
			return Voucher{}, false, DependencyError(ErrStoreUnavailable, err)
		}
		return v, created, nil
	}
	return Voucher{}, false, ErrTokenCollision
}

func (i *Issuer) emit(ctx context.Context, topic, aggregateID string, payload any) {
	if i.Events == nil {
		return
	}
	if _, err := i.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		i.logger(ctx).Warn().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID).Msg("event_emit_failed")
	}
}

func (i *Issuer) check() error {
	if i == nil || i.Store == nil || i.Directory == nil {
		return errors.New("voucher issuer not configured")
	}
	return nil
}

func (i *Issuer) mealTypes() []MealType {
	if len(i.MealTypes) == 0 {
		return DefaultMealTypes
	}
	return i.MealTypes
}

func (i *Issuer) newToken() (string, error) {
	if i.NewToken != nil {
		return i.NewToken()
	}
	return NewToken()
}

func (i *Issuer) newID() uuid.UUID {
	if i.NewID != nil {
		return i.NewID()
	}
	return uuid.New()
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *Issuer) logger(ctx context.Context) *zerolog.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return zerolog.Ctx(ctx)
}

func issuanceMessage(iss Issuance) string {
	name := iss.GuestName
	if name == "" {
		name = iss.GuestID
	}
	if len(iss.Created) == 0 {
		return fmt.Sprintf("%s already holds every voucher", name)
	}
	return fmt.Sprintf("issued %d voucher(s) for %s", len(iss.Created), name)
}

func bulkMessage(b BulkIssuance) string {
	msg := fmt.Sprintf("issued %d voucher(s) across %d guest(s)", b.TotalCreated, b.GuestsProcessed)
	if len(b.Failed) > 0 {
		msg += fmt.Sprintf("; %d guest(s) failed", len(b.Failed))
	}
	return msg
}
