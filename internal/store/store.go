package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rafflelive/raffle-backend/internal/engine"
)

var ErrDrawNotFound = errors.New("draw not found")

// Store persists draws, numbers and reservations. The in-memory rooms stay
// authoritative while the process lives; the store exists so a restart can
// re-derive state from durable status rather than in-flight requests.
type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&DrawRecord{}, &NumberRecord{}, &ReservationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateDraw inserts the draw row and its full number pool.
func (s *Store) CreateDraw(ctx context.Context, name string, state engine.State) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := DrawRecord{
			ID:          state.DrawID,
			Name:        name,
			TicketPrice: state.TicketPrice,
			NumberCount: len(state.Numbers),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		numbers := make([]NumberRecord, 0, len(state.Numbers))
		for _, n := range state.Numbers {
			numbers = append(numbers, NumberRecord{
				DrawID:   state.DrawID,
				NumberID: n.ID,
				Label:    n.Label,
				Status:   string(n.Status),
				Holder:   n.Holder,
			})
		}
		return tx.CreateInBatches(numbers, 500).Error
	})
}

// LoadDraw rebuilds a draw's engine state from durable rows. Number status
// and holder come from the numbers table; active reservations come back
// whole so their deadlines survive a restart.
func (s *Store) LoadDraw(ctx context.Context, drawID string) (engine.State, error) {
	var rec DrawRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", drawID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.State{}, ErrDrawNotFound
	}
	if err != nil {
		return engine.State{}, err
	}

	var numbers []NumberRecord
	if err := s.db.WithContext(ctx).Where("draw_id = ?", drawID).Find(&numbers).Error; err != nil {
		return engine.State{}, err
	}

	var reservations []ReservationRecord
	if err := s.db.WithContext(ctx).
		Where("draw_id = ? AND phase IN ?", drawID, []string{string(engine.PhaseSelection), string(engine.PhaseCheckout)}).
		Find(&reservations).Error; err != nil {
		return engine.State{}, err
	}

	state := engine.State{
		DrawID:       rec.ID,
		TicketPrice:  rec.TicketPrice,
		Numbers:      make(map[int]*engine.Number, len(numbers)),
		Reservations: make(map[string]*engine.Reservation, len(reservations)),
	}
	for _, n := range numbers {
		state.Numbers[n.NumberID] = &engine.Number{
			ID:     n.NumberID,
			Label:  n.Label,
			Status: engine.NumberStatus(n.Status),
			Holder: n.Holder,
		}
	}
	for _, r := range reservations {
		state.Reservations[r.ID] = &engine.Reservation{
			ID:            r.ID,
			UserID:        r.UserID,
			NumberIDs:     r.NumberIDs,
			Phase:         engine.Phase(r.Phase),
			CreatedAt:     r.CreatedAt,
			PhaseDeadline: r.PhaseDeadline,
			TotalAmount:   r.TotalAmount,
		}
	}
	return state, nil
}

// DeleteDraw removes the draw and its numbers. Reservation rows are kept
// for bookkeeping.
func (s *Store) DeleteDraw(ctx context.Context, drawID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&NumberRecord{}, "draw_id = ?", drawID).Error; err != nil {
			return err
		}
		return tx.Delete(&DrawRecord{}, "id = ?", drawID).Error
	})
}

func (s *Store) SaveNumbers(ctx context.Context, drawID string, numbers []engine.Number) error {
	if len(numbers) == 0 {
		return nil
	}
	records := make([]NumberRecord, 0, len(numbers))
	for _, n := range numbers {
		records = append(records, NumberRecord{
			DrawID:   drawID,
			NumberID: n.ID,
			Label:    n.Label,
			Status:   string(n.Status),
			Holder:   n.Holder,
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "draw_id"}, {Name: "number_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "holder"}),
	}).Create(&records).Error
}

func (s *Store) SaveReservation(ctx context.Context, drawID string, res engine.Reservation) error {
	rec := ReservationRecord{
		ID:            res.ID,
		DrawID:        drawID,
		UserID:        res.UserID,
		Phase:         string(res.Phase),
		NumberIDs:     res.NumberIDs,
		CreatedAt:     res.CreatedAt,
		PhaseDeadline: res.PhaseDeadline,
		TotalAmount:   res.TotalAmount,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}
