package store

import "time"

type DrawRecord struct {
	ID          string `gorm:"column:id;primaryKey"`
	Name        string `gorm:"column:name"`
	TicketPrice int64  `gorm:"column:ticket_price"`
	NumberCount int    `gorm:"column:number_count"`
	CreatedAt   time.Time
}

func (DrawRecord) TableName() string { return "draws" }

type NumberRecord struct {
	DrawID   string `gorm:"column:draw_id;primaryKey"`
	NumberID int    `gorm:"column:number_id;primaryKey"`
	Label    string `gorm:"column:label"`
	Status   string `gorm:"column:status;index:idx_numbers_status"`
	Holder   string `gorm:"column:holder"`
}

func (NumberRecord) TableName() string { return "numbers" }

type ReservationRecord struct {
	ID            string    `gorm:"column:id;primaryKey"`
	DrawID        string    `gorm:"column:draw_id;index:idx_reservations_draw"`
	UserID        string    `gorm:"column:user_id;index:idx_reservations_user"`
	Phase         string    `gorm:"column:phase"`
	NumberIDs     []int     `gorm:"column:number_ids;serializer:json"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	PhaseDeadline time.Time `gorm:"column:phase_deadline"`
	TotalAmount   int64     `gorm:"column:total_amount"`
}

func (ReservationRecord) TableName() string { return "reservations" }
